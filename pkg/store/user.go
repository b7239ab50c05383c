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

// GetUser resolves a user by username. The processor reads users only for
// the SSH key set injected into sandboxes.
func (q queries) GetUser(ctx context.Context, username string) (*v1.User, error) {
	u := &v1.User{}
	err := q.q.QueryRow(ctx,
		`SELECT id, username, ssh_public_keys, created_at FROM users WHERE username = $1`, username).
		Scan(&u.ID, &u.Username, &u.SSHPublicKeys, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("getting user %s, %w", username, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting user %s, %w", username, err)
	}
	u.CreatedAt = u.CreatedAt.UTC()
	return u, nil
}
