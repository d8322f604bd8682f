// Package detect infers which devices were present in a round from the
// proximity scans submitted for it: BFS reachability from the lecturer's
// device, then a single fill-in pass for one-way detections.
package detect

import (
	"context"
	"fmt"
	"log"
	"sort"

	"rollcall/internal/fault"
)

// Device roles as reported by the directory.
const (
	RoleLecturer = "Lecturer"
	RoleStudent  = "Student"
	RoleUnknown  = "Unknown"
)

// Error codes surfaced by the engine.
const (
	CodeNoRoot = "NO_ROOT_FOR_CALCULATION"
)

// Observation is one neighbor sighting inside a submission.
type Observation struct {
	DeviceID string
	RSSI     int
}

// Submission is one device's scan report for a round.
type Submission struct {
	DeviceID string
	Scanned  []Observation
}

// WhitelistSource resolves the set of devices authorized for a session.
type WhitelistSource interface {
	Whitelist(ctx context.Context, sessionID string) (map[string]struct{}, error)
}

// ScanSource loads the submissions recorded for a round.
type ScanSource interface {
	SubmissionsForRound(ctx context.Context, roundID string) ([]Submission, error)
}

// RoleDirectory resolves user roles for a batch of devices.
type RoleDirectory interface {
	RolesByDevices(ctx context.Context, deviceIDs []string) (map[string]string, error)
}

// Engine runs the attendance calculation for one round.
type Engine struct {
	whitelists WhitelistSource
	scans      ScanSource
	roles      RoleDirectory
}

// NewEngine wires the engine's inputs.
func NewEngine(whitelists WhitelistSource, scans ScanSource, roles RoleDirectory) *Engine {
	return &Engine{whitelists: whitelists, scans: scans, roles: roles}
}

// deviceRecord is one whitelisted submitter with its filtered neighbor list.
type deviceRecord struct {
	deviceID  string
	role      string
	neighbors []string
}

// Calculate returns the sorted set of device IDs considered present in the
// round. Absence of any scan data is a NotFound failure: no detection was
// attempted, which is different from nobody being authorized.
func (e *Engine) Calculate(ctx context.Context, sessionID, roundID string) ([]string, error) {
	whitelist, err := e.whitelists.Whitelist(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load whitelist for session %s: %w", sessionID, err)
	}

	submissions, err := e.scans.SubmissionsForRound(ctx, roundID)
	if err != nil {
		return nil, fmt.Errorf("load scan logs for round %s: %w", roundID, err)
	}
	if len(submissions) == 0 {
		return nil, fault.NotFound("scan logs for round", roundID)
	}

	records, err := e.buildDeviceRecords(ctx, submissions, whitelist)
	if err != nil {
		return nil, err
	}

	root, err := lecturerRoot(records)
	if err != nil {
		return nil, err
	}

	attended := bfs(records, root, whitelist)
	attended = fillIn(records, attended, whitelist)

	result := make([]string, 0, len(attended))
	for id := range attended {
		result = append(result, id)
	}
	sort.Strings(result)

	log.Printf("detect: round %s attendance calculated, %d of %d whitelisted devices present",
		roundID, len(result), len(whitelist))
	return result, nil
}

// buildDeviceRecords filters out non-whitelisted submitters, groups the rest
// by device and resolves their roles in one batch call. Neighbor lists keep
// only whitelisted devices, deduped at their strongest signal and ordered by
// descending RSSI (ties by id) so output is reproducible.
func (e *Engine) buildDeviceRecords(ctx context.Context, submissions []Submission, whitelist map[string]struct{}) ([]deviceRecord, error) {
	grouped := map[string][]Observation{}
	order := []string{}
	for _, sub := range submissions {
		if _, ok := whitelist[sub.DeviceID]; !ok {
			log.Printf("detect: dropping submission from non-whitelisted device %s", sub.DeviceID)
			continue
		}
		if _, seen := grouped[sub.DeviceID]; !seen {
			order = append(order, sub.DeviceID)
		}
		grouped[sub.DeviceID] = append(grouped[sub.DeviceID], sub.Scanned...)
	}

	roles := map[string]string{}
	if len(order) > 0 {
		resolved, err := e.roles.RolesByDevices(ctx, order)
		if err != nil {
			// The graph can still be built; devices degrade to Unknown and a
			// missing lecturer surfaces as a retryable no-root failure below.
			log.Printf("detect: batch role lookup failed, defaulting to Unknown: %v", err)
		} else {
			roles = resolved
		}
	}

	records := make([]deviceRecord, 0, len(order))
	for _, deviceID := range order {
		best := map[string]int{}
		for _, obs := range grouped[deviceID] {
			if _, ok := whitelist[obs.DeviceID]; !ok {
				continue
			}
			if rssi, seen := best[obs.DeviceID]; !seen || obs.RSSI > rssi {
				best[obs.DeviceID] = obs.RSSI
			}
		}
		neighbors := make([]string, 0, len(best))
		for id := range best {
			neighbors = append(neighbors, id)
		}
		sort.Slice(neighbors, func(i, j int) bool {
			if best[neighbors[i]] != best[neighbors[j]] {
				return best[neighbors[i]] > best[neighbors[j]]
			}
			return neighbors[i] < neighbors[j]
		})

		role, ok := roles[deviceID]
		if !ok {
			role = RoleUnknown
		}
		records = append(records, deviceRecord{deviceID: deviceID, role: role, neighbors: neighbors})
	}
	return records, nil
}

// lecturerRoot finds the BFS anchor. A round without a lecturer scan cannot
// be calculated yet; the message retries in case the scan is still in flight.
func lecturerRoot(records []deviceRecord) (string, error) {
	for _, r := range records {
		if r.role == RoleLecturer {
			return r.deviceID, nil
		}
	}
	return "", fault.BusinessRuleRetryable(CodeNoRoot, "no lecturer device record to anchor the calculation")
}

// bfs walks submitter → scanned-neighbor edges from the root. A node is
// attended the moment it is reached; nodes without their own record are
// leaves.
func bfs(records []deviceRecord, root string, whitelist map[string]struct{}) map[string]struct{} {
	neighborsOf := make(map[string][]string, len(records))
	for _, r := range records {
		neighborsOf[r.deviceID] = r.neighbors
	}

	attended := map[string]struct{}{root: {}}
	frontier := []string{root}
	for len(frontier) > 0 {
		current := frontier[0]
		frontier = frontier[1:]
		for _, neighbor := range neighborsOf[current] {
			if _, ok := whitelist[neighbor]; !ok {
				continue
			}
			if _, seen := attended[neighbor]; seen {
				continue
			}
			attended[neighbor] = struct{}{}
			frontier = append(frontier, neighbor)
		}
	}
	return attended
}

// fillIn marks a submitter attended when it saw at least one already-attended
// device, compensating for one-way detection. Single pass over the records:
// devices added here do not enable further fill-in within the same run.
func fillIn(records []deviceRecord, attended map[string]struct{}, whitelist map[string]struct{}) map[string]struct{} {
	final := make(map[string]struct{}, len(attended))
	for id := range attended {
		final[id] = struct{}{}
	}
	for _, r := range records {
		if _, already := final[r.deviceID]; already {
			continue
		}
		if _, ok := whitelist[r.deviceID]; !ok {
			continue
		}
		for _, neighbor := range r.neighbors {
			if _, ok := attended[neighbor]; ok {
				final[r.deviceID] = struct{}{}
				break
			}
		}
	}
	return final
}
