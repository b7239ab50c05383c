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
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	v1 "github.com/gpu-dev/reservoir/pkg/apis/v1"
)

const gpuTypeColumns = `name, instance_family, gpus_per_node, vcpus_per_node, memory_gb, multi_node, active,
	total_gpus, available_gpus, max_reservable, full_nodes_available, running_instances, last_updated_at, updated_by`

func scanGPUType(row pgx.Row) (*v1.GPUType, error) {
	g := &v1.GPUType{}
	if err := row.Scan(
		&g.Name, &g.InstanceFamily, &g.GPUsPerNode, &g.VCPUsPerNode, &g.MemoryGB, &g.MultiNode, &g.Active,
		&g.TotalGPUs, &g.AvailableGPUs, &g.MaxReservable, &g.FullNodesAvailable, &g.RunningInstances,
		&g.LastUpdatedAt, &g.UpdatedBy,
	); err != nil {
		return nil, err
	}
	g.LastUpdatedAt = utcPtr(g.LastUpdatedAt)
	return g, nil
}

// UpsertGPUType inserts or replaces a catalog row. The tracker calls this
// every tick with fresh availability columns.
func (q queries) UpsertGPUType(ctx context.Context, gpuType *v1.GPUType) error {
	_, err := q.q.Exec(ctx, `
		INSERT INTO gpu_types (`+gpuTypeColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (name) DO UPDATE SET
			instance_family = EXCLUDED.instance_family,
			gpus_per_node = EXCLUDED.gpus_per_node,
			vcpus_per_node = EXCLUDED.vcpus_per_node,
			memory_gb = EXCLUDED.memory_gb,
			multi_node = EXCLUDED.multi_node,
			active = EXCLUDED.active,
			total_gpus = EXCLUDED.total_gpus,
			available_gpus = EXCLUDED.available_gpus,
			max_reservable = EXCLUDED.max_reservable,
			full_nodes_available = EXCLUDED.full_nodes_available,
			running_instances = EXCLUDED.running_instances,
			last_updated_at = EXCLUDED.last_updated_at,
			updated_by = EXCLUDED.updated_by`,
		gpuType.Name, gpuType.InstanceFamily, gpuType.GPUsPerNode, gpuType.VCPUsPerNode, gpuType.MemoryGB,
		gpuType.MultiNode, gpuType.Active, gpuType.TotalGPUs, gpuType.AvailableGPUs, gpuType.MaxReservable,
		gpuType.FullNodesAvailable, gpuType.RunningInstances, utcPtr(gpuType.LastUpdatedAt), gpuType.UpdatedBy)
	if err != nil {
		return fmt.Errorf("upserting gpu type %s, %w", gpuType.Name, err)
	}
	return nil
}

func (q queries) GetGPUType(ctx context.Context, name string) (*v1.GPUType, error) {
	gpuType, err := scanGPUType(q.q.QueryRow(ctx, `SELECT `+gpuTypeColumns+` FROM gpu_types WHERE name = $1`+q.lockSuffix(), name))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("getting gpu type %s, %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting gpu type %s, %w", name, err)
	}
	return gpuType, nil
}

func (q queries) ListGPUTypes(ctx context.Context) ([]*v1.GPUType, error) {
	rows, err := q.q.Query(ctx, `SELECT `+gpuTypeColumns+` FROM gpu_types ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("listing gpu types, %w", err)
	}
	defer rows.Close()
	var gpuTypes []*v1.GPUType
	for rows.Next() {
		gpuType, err := scanGPUType(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning gpu type, %w", err)
		}
		gpuTypes = append(gpuTypes, gpuType)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing gpu types, %w", err)
	}
	return gpuTypes, nil
}
