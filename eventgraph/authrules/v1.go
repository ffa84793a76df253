// Copyright 2026 Tapestry Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package authrules

import (
	"encoding/base64"

	"github.com/tapestryhq/tapestry/identifier"
	"github.com/tapestryhq/tapestry/signing"
	"github.com/tapestryhq/tapestry/wire"
)

// rulesV1 shares the baseline validation and policy but drops the
// domain suffix from event IDs, making them portable between servers
type rulesV1 struct{}

func (rulesV1) Version() string { return VersionV1 }

func (rulesV1) Validate(p *wire.Payload) error {
	return validateCommon(p)
}

func (rulesV1) Authorize(state StateView, p *wire.Payload) error {
	return authorizeCommon(state, p)
}

func (rulesV1) EventID(
	eventJSON []byte,
	_ string,
) (identifier.Event, error) {
	digest, err := signing.ContentHash(eventJSON)
	if err != nil {
		return "", err
	}
	return identifier.Event(
		"$" + base64.RawURLEncoding.EncodeToString(digest),
	), nil
}

func (rulesV1) DefaultPowers(creator identifier.User) *wire.PowerLevels {
	return defaultPowersCommon(creator)
}
