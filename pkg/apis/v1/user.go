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

package v1

import (
	"time"
)

// User identifies a platform user. The control plane treats users as opaque
// identifiers; the only attribute it consumes is the SSH key set injected
// into sandboxes.
type User struct {
	ID            string    `json:"id"`
	Username      string    `json:"username"`
	SSHPublicKeys []string  `json:"ssh_public_keys,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// APIKey authenticates a user at the API boundary. The control plane never
// reads keys; the table exists so the schema is complete for the front-end.
type APIKey struct {
	ID         string     `json:"id"`
	UserID     string     `json:"user_id"`
	HashedKey  string     `json:"-"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}
