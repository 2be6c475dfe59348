package tenant

import (
	"github.com/conveyorhq/conveyor/internal/errors"
)

const EntityTenant = "tenant"

type TenantName string

func TenantNameFrom(name string) (TenantName, error) {
	if name == "" {
		return "", errors.InvalidArgument(EntityTenant, "tenant name is empty")
	}
	return TenantName(name), nil
}

func (tn TenantName) String() string {
	return string(tn)
}

// Tenant is the isolation boundary, every entity in the system is scoped by
// it and no operation reads or writes rows outside the caller's tenant.
type Tenant struct {
	name TenantName
}

func (t Tenant) Name() TenantName {
	return t.name
}

func (t Tenant) IsEmpty() bool {
	return t.name == ""
}

func NewTenant(name string) (Tenant, error) {
	tenantName, err := TenantNameFrom(name)
	if err != nil {
		return Tenant{}, err
	}
	return Tenant{name: tenantName}, nil
}
