package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/Teamial/CineaMate/pkg/contracts"
)

// SaveCatalog writes one catalog version. Versions are immutable once an
// experiment pins them; re-saving the same version replaces draft content.
func (s *Store) SaveCatalog(ctx context.Context, c *contracts.Catalog) error {
	if err := c.Validate(); err != nil {
		return contracts.NewError(contracts.ErrorKindConfiguration, "save catalog", err)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save catalog: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM arm_catalog WHERE experiment_id = ? AND version = ?`,
		c.ExperimentID, c.Version); err != nil {
		return fmt.Errorf("clear catalog version: %w", err)
	}
	for _, arm := range c.Arms {
		meta, err := json.Marshal(arm.Metadata)
		if err != nil {
			return fmt.Errorf("marshal arm metadata: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO arm_catalog
				(experiment_id, version, arm_id, metadata, eligible_from, eligible_until)
			VALUES (?,?,?,?,?,?)`,
			c.ExperimentID, c.Version, arm.ArmID, string(meta),
			nullTime(arm.EligibleFrom), nullTime(arm.EligibleUntil)); err != nil {
			return fmt.Errorf("insert arm %s: %w", arm.ArmID, err)
		}
	}
	return tx.Commit()
}

// GetCatalog loads the pinned catalog version for an experiment.
func (s *Store) GetCatalog(ctx context.Context, experimentID string, version int) (*contracts.Catalog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT arm_id, metadata, eligible_from, eligible_until
		FROM arm_catalog
		WHERE experiment_id = ? AND version = ?
		ORDER BY arm_id`, experimentID, version)
	if err != nil {
		return nil, fmt.Errorf("get catalog %s v%d: %w", experimentID, version, err)
	}
	defer rows.Close()
	c := &contracts.Catalog{ExperimentID: experimentID, Version: version}
	for rows.Next() {
		var (
			arm        contracts.Arm
			meta       string
			from, till sql.NullString
		)
		if err := rows.Scan(&arm.ArmID, &meta, &from, &till); err != nil {
			return nil, fmt.Errorf("scan arm: %w", err)
		}
		arm.ExperimentID = experimentID
		if meta != "" && meta != "{}" {
			if err := json.Unmarshal([]byte(meta), &arm.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata for arm %s: %w", arm.ArmID, err)
			}
		}
		arm.EligibleFrom = scanNullTime(from)
		arm.EligibleUntil = scanNullTime(till)
		c.Arms = append(c.Arms, arm)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(c.Arms) == 0 {
		return nil, contracts.ErrUnavailableCatalog
	}
	return c, nil
}
