package probe

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/organizations"
	orgtypes "github.com/aws/aws-sdk-go-v2/service/organizations/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/smithy-go"

	"github.com/edvin/cloudaccounts/internal/model"
)

const roleSessionName = "cloudaccounts-probe"

type stsAPI interface {
	GetCallerIdentity(ctx context.Context, params *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
}

type ec2API interface {
	DescribeRegions(ctx context.Context, params *ec2.DescribeRegionsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeRegionsOutput, error)
}

type iamAPI interface {
	ListAccountAliases(ctx context.Context, params *iam.ListAccountAliasesInput, optFns ...func(*iam.Options)) (*iam.ListAccountAliasesOutput, error)
}

// clientSet holds clients authenticated as the assumed role.
type clientSet struct {
	sts stsAPI
	ec2 ec2API
	org organizations.ListAccountsAPIClient
	iam iamAPI
}

// AWS probes accounts by assuming their role through STS.
type AWS struct {
	clients func(access model.AwsAccess) clientSet
}

// NewAWS loads the default AWS configuration of the process and uses it to
// assume customer roles.
func NewAWS(ctx context.Context, region string) (*AWS, error) {
	base, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	baseSTS := sts.NewFromConfig(base)

	return &AWS{clients: func(access model.AwsAccess) clientSet {
		cfg := base.Copy()
		cfg.Credentials = aws.NewCredentialsCache(stscreds.NewAssumeRoleProvider(baseSTS, access.RoleARN(),
			func(o *stscreds.AssumeRoleOptions) {
				o.RoleSessionName = roleSessionName
				o.ExternalID = aws.String(access.ExternalID)
			},
		))
		return clientSet{
			sts: sts.NewFromConfig(cfg),
			ec2: ec2.NewFromConfig(cfg),
			org: organizations.NewFromConfig(cfg),
			iam: iam.NewFromConfig(cfg),
		}
	}}, nil
}

func (p *AWS) CanAssumeRole(ctx context.Context, access model.AwsAccess) error {
	if _, err := p.clients(access).sts.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{}); err != nil {
		return fmt.Errorf("assume role %s: %w", access.RoleARN(), err)
	}
	return nil
}

func (p *AWS) CanDescribeRegions(ctx context.Context, access model.AwsAccess) error {
	if _, err := p.clients(access).ec2.DescribeRegions(ctx, &ec2.DescribeRegionsInput{}); err != nil {
		return fmt.Errorf("describe regions as %s: %w", access.RoleARN(), err)
	}
	return nil
}

func (p *AWS) ListAccounts(ctx context.Context, access model.AwsAccess) ([]ProviderAccount, error) {
	pages := organizations.NewListAccountsPaginator(p.clients(access).org, &organizations.ListAccountsInput{})
	var accounts []ProviderAccount
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			if isOrganizationUnavailable(err) {
				return nil, nil
			}
			return nil, fmt.Errorf("list organization accounts as %s: %w", access.RoleARN(), err)
		}
		for _, a := range page.Accounts {
			if a.Status != orgtypes.AccountStatusActive {
				continue
			}
			accounts = append(accounts, ProviderAccount{ID: aws.ToString(a.Id), Name: aws.ToString(a.Name)})
		}
	}
	return accounts, nil
}

func (p *AWS) ListAccountAliases(ctx context.Context, access model.AwsAccess) ([]string, error) {
	out, err := p.clients(access).iam.ListAccountAliases(ctx, &iam.ListAccountAliasesInput{})
	if err != nil {
		return nil, fmt.Errorf("list account aliases as %s: %w", access.RoleARN(), err)
	}
	return out.AccountAliases, nil
}

// isOrganizationUnavailable reports errors meaning the role may not list the
// organization, as opposed to failures of the call itself.
func isOrganizationUnavailable(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "AccessDeniedException", "AWSOrganizationsNotInUseException":
		return true
	}
	return false
}
