package quotabot

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PolicyOverride is an admin-set policy for a category, stored in the
// database. Overrides take precedence over the policy file.
type PolicyOverride struct {
	ModelUintID
	ModelUnixTime

	Category    string   `gorm:"uniqueIndex;not null" json:"category"`
	MaxRequests int      `gorm:"not null" json:"requests"`
	Window      Duration `gorm:"column:window_length;not null" json:"window"`
	Cooldown    Duration `gorm:"not null" json:"cooldown"`
	UpdatedBy   string   `json:"updated_by"`
}

func (o PolicyOverride) Policy() Policy {
	return Policy{MaxRequests: o.MaxRequests, Window: o.Window, Cooldown: o.Cooldown}
}

func loadPolicyOverrides(ctx context.Context, db DBI) (PolicyTable, error) {
	var overrides []PolicyOverride
	if err := db.DB().WithContext(ctx).Find(&overrides).Error; err != nil {
		return nil, err
	}
	table := make(PolicyTable, len(overrides))
	for _, o := range overrides {
		table[o.Category] = o.Policy()
	}
	return table, nil
}

// SavePolicyOverride validates policy and upserts it as the override for
// category.
func SavePolicyOverride(
	ctx context.Context,
	db DBI,
	category string,
	policy Policy,
	updatedBy string,
) (PolicyOverride, error) {
	if category == "" {
		return PolicyOverride{}, invalidArgument("category must not be empty")
	}
	if err := policy.Validate(); err != nil {
		return PolicyOverride{}, err
	}
	override := PolicyOverride{
		Category:    category,
		MaxRequests: policy.MaxRequests,
		Window:      policy.Window,
		Cooldown:    policy.Cooldown,
		UpdatedBy:   updatedBy,
	}
	err := db.Transaction(
		ctx, func(tx *gorm.DB) error {
			return tx.Clauses(
				clause.OnConflict{
					Columns: []clause.Column{{Name: "category"}},
					DoUpdates: clause.AssignmentColumns(
						[]string{
							"max_requests",
							"window_length",
							"cooldown",
							"updated_by",
							"updated_at",
						},
					),
				},
			).Create(&override).Error
		},
	)
	return override, err
}

// DeletePolicyOverride removes the override for category, reporting
// whether one existed.
func DeletePolicyOverride(ctx context.Context, db DBI, category string) (bool, error) {
	rows, err := db.Delete(ctx, &PolicyOverride{}, "category = ?", category)
	return rows > 0, err
}

func ListPolicyOverrides(ctx context.Context, db DBI) ([]PolicyOverride, error) {
	var overrides []PolicyOverride
	err := db.DB().WithContext(ctx).Order("category").Find(&overrides).Error
	return overrides, err
}
