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

package test

import (
	"fmt"
	"strings"

	"github.com/Pallinder/go-randomdata"
	"github.com/google/uuid"
	"github.com/imdario/mergo"

	v1 "github.com/gpu-dev/reservoir/pkg/apis/v1"
)

// UserOptions customizes a User.
type UserOptions struct {
	Username      string
	SSHPublicKeys []string
}

// User creates a test user with defaults that can be overridden by
// UserOptions. Overrides are applied in order, with a last write wins
// semantic.
func User(overrides ...UserOptions) *v1.User {
	options := UserOptions{}
	for _, opts := range overrides {
		if err := mergo.Merge(&options, opts, mergo.WithOverride); err != nil {
			panic(fmt.Sprintf("Failed to merge user options: %s", err.Error()))
		}
	}
	if options.Username == "" {
		options.Username = strings.ToLower(randomdata.SillyName())
	}
	if len(options.SSHPublicKeys) == 0 {
		options.SSHPublicKeys = []string{fmt.Sprintf("ssh-ed25519 AAAA%s %s", uuid.NewString()[:8], options.Username)}
	}
	return &v1.User{
		ID:            uuid.NewString(),
		Username:      options.Username,
		SSHPublicKeys: options.SSHPublicKeys,
	}
}
