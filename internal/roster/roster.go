// Package roster calls the enrollment microservice that owns users, devices,
// class sections and schedules. Everything here is a lookup; attendance never
// writes back.
package roster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"rollcall/internal/fault"
)

// Schedule is the slice of a schedule the pipeline needs.
type Schedule struct {
	ID             string `json:"id"`
	ClassSectionID string `json:"class_section_id"`
	LecturerID     string `json:"lecturer_id"`
}

// Client calls the roster microservice.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Skip    bool
}

// New creates a client. Skip mode short-circuits every call with canned
// data for local runs without the roster service.
func New(baseURL string, skip bool) *Client {
	return &Client{
		BaseURL: baseURL,
		Skip:    skip,
		HTTP: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// DeviceForUser returns the user's active device id, or a NotFound fault
// when the user has none registered.
func (c *Client) DeviceForUser(ctx context.Context, userID string) (string, error) {
	if c.Skip {
		return "device-" + userID, nil
	}

	var out struct {
		DeviceID string `json:"device_id"`
	}
	err := c.get(ctx, "/users/"+userID+"/device", &out)
	if err != nil {
		return "", err
	}
	if out.DeviceID == "" {
		return "", fault.NotFound("device for user", userID)
	}
	return out.DeviceID, nil
}

// DevicesForUsers maps each user to its active device; users without a
// device are absent from the result.
func (c *Client) DevicesForUsers(ctx context.Context, userIDs []string) (map[string]string, error) {
	if c.Skip {
		m := make(map[string]string, len(userIDs))
		for _, id := range userIDs {
			m[id] = "device-" + id
		}
		return m, nil
	}

	var out struct {
		Devices map[string]string `json:"devices"`
	}
	err := c.post(ctx, "/devices/by-users", map[string]any{"user_ids": userIDs}, &out)
	if err != nil {
		return nil, err
	}
	return out.Devices, nil
}

// UsersByDevices maps each device back to the user that registered it.
func (c *Client) UsersByDevices(ctx context.Context, deviceIDs []string) (map[string]string, error) {
	if c.Skip {
		m := make(map[string]string, len(deviceIDs))
		for _, id := range deviceIDs {
			m[id] = "user-" + id
		}
		return m, nil
	}

	var out struct {
		Users map[string]string `json:"users"`
	}
	err := c.post(ctx, "/devices/users", map[string]any{"device_ids": deviceIDs}, &out)
	if err != nil {
		return nil, err
	}
	return out.Users, nil
}

// RolesByDevices maps each device to its owner's role (Lecturer or Student).
func (c *Client) RolesByDevices(ctx context.Context, deviceIDs []string) (map[string]string, error) {
	if c.Skip {
		m := make(map[string]string, len(deviceIDs))
		for _, id := range deviceIDs {
			m[id] = "Student"
		}
		return m, nil
	}

	var out struct {
		Roles map[string]string `json:"roles"`
	}
	err := c.post(ctx, "/devices/roles", map[string]any{"device_ids": deviceIDs}, &out)
	if err != nil {
		return nil, err
	}
	return out.Roles, nil
}

// StudentIDsForClassSection lists the students enrolled in a class section.
func (c *Client) StudentIDsForClassSection(ctx context.Context, classSectionID string) ([]string, error) {
	if c.Skip {
		return []string{"student-1", "student-2", "student-3"}, nil
	}

	var out struct {
		StudentIDs []string `json:"student_ids"`
	}
	err := c.get(ctx, "/class-sections/"+classSectionID+"/students", &out)
	if err != nil {
		return nil, err
	}
	return out.StudentIDs, nil
}

// ScheduleByID loads one schedule, or a NotFound fault.
func (c *Client) ScheduleByID(ctx context.Context, scheduleID string) (Schedule, error) {
	if c.Skip {
		return Schedule{ID: scheduleID, ClassSectionID: "section-" + scheduleID, LecturerID: "lecturer-1"}, nil
	}

	var out Schedule
	if err := c.get(ctx, "/schedules/"+scheduleID, &out); err != nil {
		return Schedule{}, err
	}
	if out.ID == "" {
		return Schedule{}, fault.NotFound("schedule", scheduleID)
	}
	return out, nil
}

// SchedulesForClassSection lists the schedules attached to a class section.
func (c *Client) SchedulesForClassSection(ctx context.Context, classSectionID string) ([]Schedule, error) {
	if c.Skip {
		return []Schedule{{ID: "schedule-1", ClassSectionID: classSectionID, LecturerID: "lecturer-1"}}, nil
	}

	var out struct {
		Schedules []Schedule `json:"schedules"`
	}
	err := c.get(ctx, "/class-sections/"+classSectionID+"/schedules", &out)
	if err != nil {
		return nil, err
	}
	return out.Schedules, nil
}

// Health checks if the roster service is reachable.
func (c *Client) Health(ctx context.Context) error {
	if c.Skip {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("roster service unavailable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("roster service unhealthy: %s", resp.Status)
	}
	return nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fault.Transient(fmt.Errorf("roster service request failed: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fault.NotFound("roster resource", req.URL.Path)
	}
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return fault.Transient(fmt.Errorf("roster service error %s: %s", resp.Status, string(b)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode roster response: %w", err)
	}
	return nil
}
