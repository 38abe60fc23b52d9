// Package probe checks whether the credentials of a cloud account are usable.
package probe

import (
	"context"

	"github.com/edvin/cloudaccounts/internal/model"
)

// ProviderAccount is an account listed from a provider organization.
type ProviderAccount struct {
	ID   string
	Name string
}

// Probe verifies AWS role access. Every method assumes the role described by
// the access first; a failure to assume it is returned as an error.
type Probe interface {
	CanAssumeRole(ctx context.Context, access model.AwsAccess) error
	CanDescribeRegions(ctx context.Context, access model.AwsAccess) error
	// ListAccounts returns the accounts of the organization. An empty result
	// means the role cannot list the organization.
	ListAccounts(ctx context.Context, access model.AwsAccess) ([]ProviderAccount, error)
	ListAccountAliases(ctx context.Context, access model.AwsAccess) ([]string, error)
}
