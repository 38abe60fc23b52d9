package model

import (
	"encoding/json"
	"fmt"
)

// StateName is the persisted tag of an AccountState variant.
type StateName string

// Account lifecycle states.
const (
	StateDetected   StateName = "detected"
	StateDiscovered StateName = "discovered"
	StateConfigured StateName = "configured"
	StateDegraded   StateName = "degraded"
	StateDeleted    StateName = "deleted"
)

// AccountState is the closed set of lifecycle states of a cloud account.
// Only the variants declared in this file implement it.
type AccountState interface {
	StateName() StateName
	accountState()
}

// Detected accounts were seen but carry no usable credentials.
type Detected struct{}

// Discovered accounts carry credentials that were not verified yet.
type Discovered struct {
	Access CloudAccess
}

// Configured accounts were verified. Enabled toggles scheduled collection.
type Configured struct {
	Access  CloudAccess
	Enabled bool
}

// Degraded accounts were verified once and are failing now.
type Degraded struct {
	Access CloudAccess
	Reason string
}

// Deleted accounts are soft-deleted.
type Deleted struct{}

func (Detected) StateName() StateName   { return StateDetected }
func (Discovered) StateName() StateName { return StateDiscovered }
func (Configured) StateName() StateName { return StateConfigured }
func (Degraded) StateName() StateName   { return StateDegraded }
func (Deleted) StateName() StateName    { return StateDeleted }

func (Detected) accountState()   {}
func (Discovered) accountState() {}
func (Configured) accountState() {}
func (Degraded) accountState()   {}
func (Deleted) accountState()    {}

// StateAccess returns the credentials of states that carry them.
func StateAccess(s AccountState) (CloudAccess, bool) {
	switch st := s.(type) {
	case Discovered:
		return st.Access, true
	case Configured:
		return st.Access, true
	case Degraded:
		return st.Access, true
	case Detected, Deleted, nil:
		return nil, false
	default:
		panic(fmt.Sprintf("unhandled account state %T", s))
	}
}

// CloudAccess is the closed set of provider credential descriptors.
type CloudAccess interface {
	Cloud() string
	AccountID() string
	cloudAccess()
}

// AwsAccess is an IAM role assumed with an external id.
type AwsAccess struct {
	AwsAccountID string `json:"aws_account_id"`
	ExternalID   string `json:"external_id"`
	RoleName     string `json:"role_name"`
}

// GcpAccess references a stored service account key.
type GcpAccess struct {
	ProjectID           string `json:"project_id"`
	ServiceAccountKeyID string `json:"service_account_key_id"`
}

// AzureAccess references stored service principal credentials.
type AzureAccess struct {
	SubscriptionID string `json:"subscription_id"`
	CredentialID   string `json:"credential_id"`
}

func (AwsAccess) Cloud() string   { return CloudAWS }
func (GcpAccess) Cloud() string   { return CloudGCP }
func (AzureAccess) Cloud() string { return CloudAzure }

func (a AwsAccess) AccountID() string   { return a.AwsAccountID }
func (a GcpAccess) AccountID() string   { return a.ProjectID }
func (a AzureAccess) AccountID() string { return a.SubscriptionID }

func (AwsAccess) cloudAccess()   {}
func (GcpAccess) cloudAccess()   {}
func (AzureAccess) cloudAccess() {}

// RoleARN returns the ARN of the role to assume.
func (a AwsAccess) RoleARN() string {
	return fmt.Sprintf("arn:aws:iam::%s:role/%s", a.AwsAccountID, a.RoleName)
}

type accessEnvelope struct {
	Cloud string          `json:"cloud"`
	Data  json.RawMessage `json:"data"`
}

// MarshalAccess encodes a CloudAccess with its cloud tag.
func MarshalAccess(a CloudAccess) ([]byte, error) {
	if a == nil {
		return nil, nil
	}
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshal %s access: %w", a.Cloud(), err)
	}
	return json.Marshal(accessEnvelope{Cloud: a.Cloud(), Data: data})
}

// UnmarshalAccess decodes the output of MarshalAccess. Empty input yields nil.
func UnmarshalAccess(b []byte) (CloudAccess, error) {
	if len(b) == 0 || string(b) == "null" {
		return nil, nil
	}
	var env accessEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("unmarshal access envelope: %w", err)
	}
	var (
		access CloudAccess
		err    error
	)
	switch env.Cloud {
	case CloudAWS:
		var a AwsAccess
		err = json.Unmarshal(env.Data, &a)
		access = a
	case CloudGCP:
		var a GcpAccess
		err = json.Unmarshal(env.Data, &a)
		access = a
	case CloudAzure:
		var a AzureAccess
		err = json.Unmarshal(env.Data, &a)
		access = a
	default:
		return nil, fmt.Errorf("unknown access cloud %q", env.Cloud)
	}
	if err != nil {
		return nil, fmt.Errorf("unmarshal %s access: %w", env.Cloud, err)
	}
	return access, nil
}

// StateColumns is the flattened persisted form of an AccountState.
type StateColumns struct {
	State   StateName
	Access  []byte
	Enabled bool
	Reason  *string
}

// FlattenState converts a state into its column representation.
func FlattenState(s AccountState) (StateColumns, error) {
	cols := StateColumns{State: s.StateName()}
	access, ok := StateAccess(s)
	if ok {
		b, err := MarshalAccess(access)
		if err != nil {
			return cols, err
		}
		cols.Access = b
	}
	switch st := s.(type) {
	case Configured:
		cols.Enabled = st.Enabled
	case Degraded:
		reason := st.Reason
		cols.Reason = &reason
	}
	return cols, nil
}

// RestoreState rebuilds a state from its column representation.
func RestoreState(cols StateColumns) (AccountState, error) {
	access, err := UnmarshalAccess(cols.Access)
	if err != nil {
		return nil, err
	}
	needsAccess := func() error {
		if access == nil {
			return fmt.Errorf("state %s without access", cols.State)
		}
		return nil
	}
	switch cols.State {
	case StateDetected:
		return Detected{}, nil
	case StateDiscovered:
		if err := needsAccess(); err != nil {
			return nil, err
		}
		return Discovered{Access: access}, nil
	case StateConfigured:
		if err := needsAccess(); err != nil {
			return nil, err
		}
		return Configured{Access: access, Enabled: cols.Enabled}, nil
	case StateDegraded:
		if err := needsAccess(); err != nil {
			return nil, err
		}
		reason := ""
		if cols.Reason != nil {
			reason = *cols.Reason
		}
		return Degraded{Access: access, Reason: reason}, nil
	case StateDeleted:
		return Deleted{}, nil
	default:
		return nil, fmt.Errorf("unknown account state %q", cols.State)
	}
}
