// @copyright 2014-Present Couchbase, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package common

import "github.com/google/uuid"

// UUID wraps google/uuid behind a Str() accessor, matching the
// `id, err := common.NewUUID(); tag + id.Str()` call shape used to mint
// unique owner/instance identifiers.
type UUID struct {
	u uuid.UUID
}

func NewUUID() (UUID, error) {
	u, err := uuid.NewRandom()
	if err != nil {
		return UUID{}, err
	}
	return UUID{u: u}, nil
}

func (u UUID) Str() string {
	return u.u.String()
}
