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

package cluster

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// NodesInfoer is satisfied by *HTTPClient and by anything else (test
// fakes, the reindex.Cluster interface) exposing NodesInfo, so callers
// outside this package never need to depend on the concrete HTTPClient
// type just to run a version check.
type NodesInfoer interface {
	NodesInfo(ctx context.Context) (NodesInfoResponse, error)
}

// MeetsMinVersion checks every node returned by NodesInfo against a
// "major.minor[.patch]" floor, used to gate the cluster-wide ML
// upgrade-mode toggle on every node having upgraded past the version
// that introduced it.
func MeetsMinVersion(ctx context.Context, c NodesInfoer, minVersion string) (bool, error) {
	info, err := c.NodesInfo(ctx)
	if err != nil {
		return false, err
	}

	minMajor, minMinor, err := parseMajorMinor(minVersion)
	if err != nil {
		return false, err
	}

	for nodeID, n := range info.Nodes {
		major, minor, err := parseMajorMinor(n.Version)
		if err != nil {
			return false, fmt.Errorf("node %s: unparsable version %q: %w", nodeID, n.Version, err)
		}
		if major < minMajor || (major == minMajor && minor < minMinor) {
			return false, nil
		}
	}
	return true, nil
}

func parseMajorMinor(version string) (int, int, error) {
	parts := strings.SplitN(version, ".", 3)
	if len(parts) < 2 {
		return 0, 0, fmt.Errorf("malformed version %q", version)
	}
	major, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, err
	}
	minor, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, err
	}
	return major, minor, nil
}
