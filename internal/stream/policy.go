package stream

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Policy overrides the retry behaviour of a named listener.
//
//	dispatcher-domain-events:
//	  do_not_retry_more_than: 3
//	  consider_failed_after: 2m
//	  backoff:
//	    default: {base: 100ms, max: 10s, retries: 10}
//	    cloud_account_discovered: {base: 5s, max: 10s, retries: 8}
type Policy struct {
	DoNotRetryMoreThan  *int               `yaml:"do_not_retry_more_than"`
	ConsiderFailedAfter time.Duration      `yaml:"consider_failed_after"`
	BatchSize           int                `yaml:"batch_size"`
	Backoff             map[string]Backoff `yaml:"backoff"`
}

// LoadPolicies reads listener policies from a YAML file keyed by listener name.
// An empty path yields no policies.
func LoadPolicies(path string) (map[string]Policy, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read listener policy file: %w", err)
	}
	var policies map[string]Policy
	if err := yaml.Unmarshal(data, &policies); err != nil {
		return nil, fmt.Errorf("parse listener policy file %s: %w", path, err)
	}
	return policies, nil
}

// Apply returns a copy of o with the policy's overrides.
func (o Options) Apply(p Policy) Options {
	if p.DoNotRetryMoreThan != nil {
		o.DoNotRetryMoreThan = *p.DoNotRetryMoreThan
	}
	if p.ConsiderFailedAfter > 0 {
		o.ConsiderFailedAfter = p.ConsiderFailedAfter
	}
	if p.BatchSize > 0 {
		o.BatchSize = p.BatchSize
	}
	if len(p.Backoff) == 0 {
		return o
	}
	byKind := make(map[string]Backoff, len(o.BackoffByKind)+len(p.Backoff))
	for k, b := range o.BackoffByKind {
		byKind[k] = b
	}
	for k, b := range p.Backoff {
		if k == "default" {
			o.Backoff = b
			continue
		}
		byKind[k] = b
	}
	o.BackoffByKind = byKind
	return o
}
