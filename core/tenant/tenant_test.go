package tenant_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/conveyorhq/conveyor/core/tenant"
)

func TestTenant(t *testing.T) {
	t.Run("TenantNameFrom", func(t *testing.T) {
		t.Run("returns error for empty name", func(t *testing.T) {
			_, err := tenant.TenantNameFrom("")
			assert.NotNil(t, err)
			assert.ErrorContains(t, err, "tenant name is empty")
		})
		t.Run("returns name when valid", func(t *testing.T) {
			name, err := tenant.TenantNameFrom("acme")
			assert.Nil(t, err)
			assert.Equal(t, "acme", name.String())
		})
	})

	t.Run("NewTenant", func(t *testing.T) {
		t.Run("returns error for empty name", func(t *testing.T) {
			_, err := tenant.NewTenant("")
			assert.NotNil(t, err)
		})
		t.Run("creates tenant", func(t *testing.T) {
			tnnt, err := tenant.NewTenant("acme")
			assert.Nil(t, err)
			assert.False(t, tnnt.IsEmpty())
			assert.Equal(t, "acme", tnnt.Name().String())
		})
		t.Run("zero value is empty", func(t *testing.T) {
			var tnnt tenant.Tenant
			assert.True(t, tnnt.IsEmpty())
		})
	})
}
