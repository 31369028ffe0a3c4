package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestProfileDefaultsActive(t *testing.T) {
	p := NewExpressionProfile()
	assert.True(t, p.IsActive("acme", "users.email"))
	assert.Nil(t, p.Deactivated("acme"))
}

func TestProfileDeactivateIsPerTenant(t *testing.T) {
	p := NewExpressionProfile()
	p.Deactivate("acme", "users.email")

	assert.False(t, p.IsActive("acme", "users.email"))
	assert.True(t, p.IsActive("acme", "users.id"))
	assert.True(t, p.IsActive("other", "users.email"))
}

func TestProfileActivateRestores(t *testing.T) {
	p := NewExpressionProfile()
	p.Deactivate("acme", "users.email")
	p.Activate("acme", "users.email")

	assert.True(t, p.IsActive("acme", "users.email"))
	assert.Nil(t, p.Deactivated("acme"))
}

func TestProfileSetBulk(t *testing.T) {
	p := NewExpressionProfile()
	p.SetBulk("acme", []string{"users.email", "orders.status"})

	assert.False(t, p.IsActive("acme", "users.email"))
	assert.False(t, p.IsActive("acme", "orders.status"))
	assert.Len(t, p.Deactivated("acme"), 2)

	p.SetBulk("acme", nil)
	assert.True(t, p.IsActive("acme", "users.email"))
	assert.Nil(t, p.Deactivated("acme"))
}
