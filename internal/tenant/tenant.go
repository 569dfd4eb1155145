package tenant

import (
	"encoding/json"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// Tier is the commercial tier of a tenant. It selects default limits.
type Tier string

const (
	TierEnterprise Tier = "enterprise"
	TierSME        Tier = "sme"
	TierStartup    Tier = "startup"
	TierTrial      Tier = "trial"
)

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	switch t {
	case TierEnterprise, TierSME, TierStartup, TierTrial:
		return true
	}
	return false
}

// EncryptionLevel selects how classified payloads are sealed.
type EncryptionLevel string

const (
	EncryptionNone     EncryptionLevel = "none"
	EncryptionStandard EncryptionLevel = "standard"
	EncryptionStrong   EncryptionLevel = "strong"
)

func (e EncryptionLevel) Valid() bool {
	return e == EncryptionNone || e == EncryptionStandard || e == EncryptionStrong
}

// BackupFrequency is recorded policy only; backups run outside this service.
type BackupFrequency string

const (
	BackupHourly BackupFrequency = "hourly"
	BackupDaily  BackupFrequency = "daily"
	BackupWeekly BackupFrequency = "weekly"
)

func (b BackupFrequency) Valid() bool {
	return b == BackupHourly || b == BackupDaily || b == BackupWeekly
}

// ByteSize is a storage quota in bytes. In JSON it accepts either a number
// or a human readable size such as "100MB".
type ByteSize int64

func (b ByteSize) String() string {
	return humanize.Bytes(uint64(b))
}

func (b *ByteSize) UnmarshalJSON(data []byte) error {
	var n int64
	if err := json.Unmarshal(data, &n); err == nil {
		*b = ByteSize(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("max_storage must be a number or a size string")
	}
	v, err := humanize.ParseBytes(s)
	if err != nil {
		return fmt.Errorf("invalid max_storage %q: %w", s, err)
	}
	*b = ByteSize(v)
	return nil
}

// Tenant is the registry configuration of one isolated customer account.
type Tenant struct {
	ID                     string          `json:"tenant_id"`
	Name                   string          `json:"name"`
	Tier                   Tier            `json:"tier"`
	CreatedAt              time.Time       `json:"creation_time"`
	UpdatedAt              time.Time       `json:"updated_at"`
	DataRetentionDays      int             `json:"data_retention_days"`
	MaxUsers               int             `json:"max_users"`
	MaxStorage             ByteSize        `json:"max_storage"`
	EnabledFeatures        []string        `json:"enabled_features"`
	ComplianceRequirements []string        `json:"compliance_requirements"`
	EncryptionLevel        EncryptionLevel `json:"encryption_level"`
	BackupFrequency        BackupFrequency `json:"backup_frequency"`
	RateLimit              float64         `json:"rate_limit"`
	Enabled                bool            `json:"enabled"`
}

// FeatureEnabled reports whether module may be used. An empty feature set
// allows every module.
func (t *Tenant) FeatureEnabled(module string) bool {
	return len(t.EnabledFeatures) == 0 || slices.Contains(t.EnabledFeatures, module)
}

// Clone returns a deep copy.
func (t *Tenant) Clone() *Tenant {
	c := *t
	c.EnabledFeatures = slices.Clone(t.EnabledFeatures)
	c.ComplianceRequirements = slices.Clone(t.ComplianceRequirements)
	return &c
}

// Retention returns the retention period, zero meaning keep forever.
func (t *Tenant) Retention() time.Duration {
	return time.Duration(t.DataRetentionDays) * 24 * time.Hour
}

// Defaults are the limits applied to a tier when a field is left zero.
type Defaults struct {
	MaxUsers          int
	MaxStorage        ByteSize
	RateLimit         float64
	DataRetentionDays int
	EncryptionLevel   EncryptionLevel
	BackupFrequency   BackupFrequency
}

var tierDefaults = map[Tier]Defaults{
	TierEnterprise: {MaxUsers: 1000, MaxStorage: 100 << 30, RateLimit: 500, DataRetentionDays: 2555, EncryptionLevel: EncryptionStrong, BackupFrequency: BackupHourly},
	TierSME:        {MaxUsers: 100, MaxStorage: 10 << 30, RateLimit: 100, DataRetentionDays: 365, EncryptionLevel: EncryptionStandard, BackupFrequency: BackupDaily},
	TierStartup:    {MaxUsers: 25, MaxStorage: 1 << 30, RateLimit: 50, DataRetentionDays: 180, EncryptionLevel: EncryptionStandard, BackupFrequency: BackupDaily},
	TierTrial:      {MaxUsers: 5, MaxStorage: 100 << 20, RateLimit: 10, DataRetentionDays: 30, EncryptionLevel: EncryptionStandard, BackupFrequency: BackupWeekly},
}

// DefaultsFor returns the defaults of a tier.
func DefaultsFor(tier Tier) Defaults {
	return tierDefaults[tier]
}

func applyDefaults(t *Tenant) {
	if t.Tier == "" {
		t.Tier = TierTrial
	}
	d := DefaultsFor(t.Tier)
	if t.MaxUsers == 0 {
		t.MaxUsers = d.MaxUsers
	}
	if t.MaxStorage == 0 {
		t.MaxStorage = d.MaxStorage
	}
	if t.RateLimit == 0 {
		t.RateLimit = d.RateLimit
	}
	if t.EncryptionLevel == "" {
		t.EncryptionLevel = d.EncryptionLevel
	}
	if t.BackupFrequency == "" {
		t.BackupFrequency = d.BackupFrequency
	}
	t.EnabledFeatures = normalizeSet(t.EnabledFeatures)
	t.ComplianceRequirements = normalizeSet(t.ComplianceRequirements)
}

// normalizeSet lowercases, trims, sorts and deduplicates.
func normalizeSet(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.ToLower(strings.TrimSpace(v))
		if v != "" {
			out = append(out, v)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,63}$`)

// ValidateID checks the tenant id format.
func ValidateID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: tenant_id is required", ErrInvalidTenant)
	}
	if !idPattern.MatchString(id) {
		return fmt.Errorf("%w: tenant_id %q must match %s", ErrInvalidTenant, id, idPattern)
	}
	return nil
}

func validate(t *Tenant) error {
	if err := ValidateID(t.ID); err != nil {
		return err
	}
	if strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidTenant)
	}
	if !t.Tier.Valid() {
		return fmt.Errorf("%w: unknown tier %q", ErrInvalidTenant, t.Tier)
	}
	if !t.EncryptionLevel.Valid() {
		return fmt.Errorf("%w: unknown encryption_level %q", ErrInvalidTenant, t.EncryptionLevel)
	}
	if !t.BackupFrequency.Valid() {
		return fmt.Errorf("%w: unknown backup_frequency %q", ErrInvalidTenant, t.BackupFrequency)
	}
	if t.DataRetentionDays < 0 || t.MaxUsers < 0 || t.MaxStorage < 0 || t.RateLimit < 0 {
		return fmt.Errorf("%w: limits must not be negative", ErrInvalidTenant)
	}
	return nil
}

// PolicyUpdate is a partial update of mutable tenant fields. TenantID and
// CreatedAt are accepted only so a caller echoing them back unchanged is
// not rejected.
type PolicyUpdate struct {
	TenantID               *string          `json:"tenant_id,omitempty"`
	CreatedAt              *time.Time       `json:"creation_time,omitempty"`
	Name                   *string          `json:"name,omitempty"`
	Tier                   *Tier            `json:"tier,omitempty"`
	DataRetentionDays      *int             `json:"data_retention_days,omitempty"`
	MaxUsers               *int             `json:"max_users,omitempty"`
	MaxStorage             *ByteSize        `json:"max_storage,omitempty"`
	EnabledFeatures        *[]string        `json:"enabled_features,omitempty"`
	ComplianceRequirements *[]string        `json:"compliance_requirements,omitempty"`
	EncryptionLevel        *EncryptionLevel `json:"encryption_level,omitempty"`
	BackupFrequency        *BackupFrequency `json:"backup_frequency,omitempty"`
	RateLimit              *float64         `json:"rate_limit,omitempty"`
}

// apply returns the names of changed fields.
func (u PolicyUpdate) apply(t *Tenant) ([]string, error) {
	if u.TenantID != nil && *u.TenantID != t.ID {
		return nil, fmt.Errorf("%w: tenant_id", ErrImmutableField)
	}
	if u.CreatedAt != nil && !u.CreatedAt.Equal(t.CreatedAt) {
		return nil, fmt.Errorf("%w: creation_time", ErrImmutableField)
	}

	var changed []string
	if u.Name != nil {
		t.Name = *u.Name
		changed = append(changed, "name")
	}
	if u.Tier != nil {
		t.Tier = *u.Tier
		changed = append(changed, "tier")
	}
	if u.DataRetentionDays != nil {
		t.DataRetentionDays = *u.DataRetentionDays
		changed = append(changed, "data_retention_days")
	}
	if u.MaxUsers != nil {
		t.MaxUsers = *u.MaxUsers
		changed = append(changed, "max_users")
	}
	if u.MaxStorage != nil {
		t.MaxStorage = *u.MaxStorage
		changed = append(changed, "max_storage")
	}
	if u.EnabledFeatures != nil {
		t.EnabledFeatures = normalizeSet(*u.EnabledFeatures)
		changed = append(changed, "enabled_features")
	}
	if u.ComplianceRequirements != nil {
		t.ComplianceRequirements = normalizeSet(*u.ComplianceRequirements)
		changed = append(changed, "compliance_requirements")
	}
	if u.EncryptionLevel != nil {
		t.EncryptionLevel = *u.EncryptionLevel
		changed = append(changed, "encryption_level")
	}
	if u.BackupFrequency != nil {
		t.BackupFrequency = *u.BackupFrequency
		changed = append(changed, "backup_frequency")
	}
	if u.RateLimit != nil {
		t.RateLimit = *u.RateLimit
		changed = append(changed, "rate_limit")
	}
	return changed, nil
}
