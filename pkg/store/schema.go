/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package store

import (
	"fmt"
)

// schemaStatements returns the idempotent DDL for the full schema, including
// the queue table for the given queue. All timestamps are timestamptz and
// written as UTC instants.
func schemaStatements(queueTable string) []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS reservations (
			id                 TEXT PRIMARY KEY,
			user_name          TEXT NOT NULL,
			gpu_type           TEXT NOT NULL,
			gpu_count          INT NOT NULL,
			duration_hours     DOUBLE PRECISION NOT NULL,
			status             TEXT NOT NULL,
			created_at         TIMESTAMPTZ NOT NULL,
			updated_at         TIMESTAMPTZ NOT NULL,
			launched_at        TIMESTAMPTZ,
			expires_at         TIMESTAMPTZ,
			ended_at           TIMESTAMPTZ,
			disk_name          TEXT NOT NULL DEFAULT '',
			no_persistent_disk BOOLEAN NOT NULL DEFAULT FALSE,
			disk_confirmed     BOOLEAN NOT NULL DEFAULT FALSE,
			image              TEXT NOT NULL DEFAULT '',
			env                JSONB NOT NULL DEFAULT '{}',
			sandbox_name       TEXT NOT NULL DEFAULT '',
			sandbox_namespace  TEXT NOT NULL DEFAULT '',
			node_names         TEXT[] NOT NULL DEFAULT '{}',
			volume_id          TEXT NOT NULL DEFAULT '',
			ssh_host           TEXT NOT NULL DEFAULT '',
			ssh_port           INT NOT NULL DEFAULT 0,
			interactive        BOOLEAN NOT NULL DEFAULT FALSE,
			interactive_port   INT NOT NULL DEFAULT 0,
			queue_position     INT,
			eta_minutes        INT,
			failure_reason     TEXT NOT NULL DEFAULT '',
			warnings_sent      INT[] NOT NULL DEFAULT '{}',
			extension_count    INT NOT NULL DEFAULT 0,
			collaborators      TEXT[] NOT NULL DEFAULT '{}',
			events             JSONB NOT NULL DEFAULT '[]'
		)`,
		`CREATE INDEX IF NOT EXISTS reservations_status_idx ON reservations (status)`,
		`CREATE INDEX IF NOT EXISTS reservations_user_idx ON reservations (user_name)`,
		`CREATE INDEX IF NOT EXISTS reservations_type_status_idx ON reservations (gpu_type, status)`,

		`CREATE TABLE IF NOT EXISTS disks (
			id                     TEXT PRIMARY KEY,
			user_name              TEXT NOT NULL,
			name                   TEXT NOT NULL,
			volume_id              TEXT NOT NULL DEFAULT '',
			az                     TEXT NOT NULL DEFAULT '',
			size_gb                INT NOT NULL DEFAULT 0,
			status                 TEXT NOT NULL,
			in_use_by              TEXT NOT NULL DEFAULT '',
			last_snapshot_id       TEXT NOT NULL DEFAULT '',
			snapshot_count         INT NOT NULL DEFAULT 0,
			pending_snapshot_count INT NOT NULL DEFAULT 0,
			created_at             TIMESTAMPTZ NOT NULL,
			soft_deleted_at        TIMESTAMPTZ,
			last_reconciled_at     TIMESTAMPTZ
		)`,
		// Disk names are unique per user among live disks only, so a user can
		// recreate a name whose previous disk is soft-deleted.
		`CREATE UNIQUE INDEX IF NOT EXISTS disks_user_name_idx ON disks (user_name, name) WHERE status <> 'soft-deleted'`,
		`CREATE INDEX IF NOT EXISTS disks_volume_idx ON disks (volume_id)`,

		`CREATE TABLE IF NOT EXISTS gpu_types (
			name                 TEXT PRIMARY KEY,
			instance_family      TEXT NOT NULL DEFAULT '',
			gpus_per_node        INT NOT NULL DEFAULT 0,
			vcpus_per_node       INT NOT NULL DEFAULT 0,
			memory_gb            INT NOT NULL DEFAULT 0,
			multi_node           BOOLEAN NOT NULL DEFAULT FALSE,
			active               BOOLEAN NOT NULL DEFAULT TRUE,
			total_gpus           INT NOT NULL DEFAULT 0,
			available_gpus       INT NOT NULL DEFAULT 0,
			max_reservable       INT NOT NULL DEFAULT 0,
			full_nodes_available INT NOT NULL DEFAULT 0,
			running_instances    INT NOT NULL DEFAULT 0,
			last_updated_at      TIMESTAMPTZ,
			updated_by           TEXT NOT NULL DEFAULT ''
		)`,

		`CREATE TABLE IF NOT EXISTS users (
			id              TEXT PRIMARY KEY,
			username        TEXT NOT NULL UNIQUE,
			ssh_public_keys TEXT[] NOT NULL DEFAULT '{}',
			created_at      TIMESTAMPTZ NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS api_keys (
			id           TEXT PRIMARY KEY,
			user_id      TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			hashed_key   TEXT NOT NULL,
			created_at   TIMESTAMPTZ NOT NULL,
			last_used_at TIMESTAMPTZ
		)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id             TEXT PRIMARY KEY,
			kind           TEXT NOT NULL,
			reservation_id TEXT NOT NULL DEFAULT '',
			disk_id        TEXT NOT NULL DEFAULT '',
			payload        JSONB,
			enqueued_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
			visible_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
			delivery_count INT NOT NULL DEFAULT 0
		)`, queueTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_visible_idx ON %s (visible_at, enqueued_at)`, queueTable, queueTable),
	}
}
