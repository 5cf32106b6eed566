// Package testdef holds the data model shared by the scheduler, the worker and the
// result aggregator.
package testdef

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jaystack/device-megatest/internal/steps"
)

// SchemaVersion is the DeviceJob wire version this build produces and accepts.
const SchemaVersion = 1

var ErrUnsupportedVersion = errors.New("unsupported device job schema version")

// DeviceSpec is one device/browser combination of a TestRequest.
type DeviceSpec struct {
	OS             string `json:"os"`
	OSVersion      string `json:"os_version"`
	Browser        string `json:"browser"`
	BrowserVersion string `json:"browser_version,omitempty"`
	Device         string `json:"device,omitempty"`
}

type TestRequest struct {
	Devices []DeviceSpec  `json:"devices"`
	Test    steps.Program `json:"test"`
}

// Capabilities is the capability set handed to the remote automation backend.
type Capabilities struct {
	OS             string `json:"os"`
	OSVersion      string `json:"os_version"`
	BrowserName    string `json:"browserName"`
	BrowserVersion string `json:"browser_version,omitempty"`
	Device         string `json:"device,omitempty"`
}

func CapabilitiesFor(spec DeviceSpec) Capabilities {
	return Capabilities{
		OS:             strings.TrimSpace(spec.OS),
		OSVersion:      strings.TrimSpace(spec.OSVersion),
		BrowserName:    strings.TrimSpace(spec.Browser),
		BrowserVersion: strings.TrimSpace(spec.BrowserVersion),
		Device:         strings.TrimSpace(spec.Device),
	}
}

// Map returns the capabilities as a WebDriver capability object, omitting empty values.
func (c Capabilities) Map() map[string]any {
	out := make(map[string]any, 5)
	put := func(key, value string) {
		if value != "" {
			out[key] = value
		}
	}
	put("os", c.OS)
	put("os_version", c.OSVersion)
	put("browserName", c.BrowserName)
	put("browser_version", c.BrowserVersion)
	put("device", c.Device)
	return out
}

func (c Capabilities) String() string {
	parts := []string{c.OS, c.OSVersion, c.BrowserName, c.BrowserVersion, c.Device}
	kept := parts[:0]
	for _, part := range parts {
		if part != "" {
			kept = append(kept, part)
		}
	}
	return strings.Join(kept, "/")
}

// DeviceJob is the unit of work for one device within a test.
type DeviceJob struct {
	SchemaVersion int           `json:"schemaVersion"`
	TestID        string        `json:"testId"`
	DeviceID      string        `json:"deviceId"`
	Capabilities  Capabilities  `json:"capabilities"`
	CreationDate  int64         `json:"creationDate"`
	Test          steps.Program `json:"test"`
}

func (j DeviceJob) CreatedAt() time.Time {
	return time.UnixMilli(j.CreationDate).UTC()
}

// TestDefinition is the immutable expansion of a TestRequest.
type TestDefinition struct {
	TestID  string      `json:"testId"`
	Devices []DeviceJob `json:"devices"`
}

// DeviceResult is a DeviceJob with its program stripped and captures appended.
type DeviceResult struct {
	TestID       string       `json:"testId"`
	DeviceID     string       `json:"deviceId"`
	Capabilities Capabilities `json:"capabilities"`
	CreationDate int64        `json:"creationDate"`
	Captures     []string     `json:"captures"`
}

type TestResult struct {
	TestID  string         `json:"testId"`
	Devices []DeviceResult `json:"devices"`
}

// DeviceID names the device at position index of a request.
func DeviceID(index int) string {
	return "Device_" + strconv.Itoa(index)
}

// Validate reports the first reason the request cannot be scheduled.
func (r TestRequest) Validate() error {
	if len(r.Devices) == 0 {
		return errors.New("devices must list at least one device")
	}
	for i, device := range r.Devices {
		if strings.TrimSpace(device.Browser) == "" {
			return fmt.Errorf("devices[%d].browser is required", i)
		}
	}
	if len(r.Test) == 0 {
		return errors.New("test must contain at least one step")
	}
	return r.Test.Validate()
}

// DecodeDeviceJob parses a queue message body. Any error means the message can
// never be processed and must not be retried.
func DecodeDeviceJob(raw []byte) (DeviceJob, error) {
	var job DeviceJob
	if err := json.Unmarshal(raw, &job); err != nil {
		return DeviceJob{}, fmt.Errorf("decode device job: %w", err)
	}
	if job.SchemaVersion == 0 {
		job.SchemaVersion = SchemaVersion
	}
	if job.SchemaVersion != SchemaVersion {
		return DeviceJob{}, fmt.Errorf("%w: %d", ErrUnsupportedVersion, job.SchemaVersion)
	}
	if strings.TrimSpace(job.TestID) == "" || strings.TrimSpace(job.DeviceID) == "" {
		return DeviceJob{}, errors.New("decode device job: testId and deviceId are required")
	}
	if strings.ContainsAny(job.TestID+job.DeviceID, "/\\") || strings.Contains(job.TestID+job.DeviceID, "..") {
		return DeviceJob{}, errors.New("decode device job: ids must not contain path separators")
	}
	return job, nil
}

func EncodeDeviceJob(job DeviceJob) ([]byte, error) {
	if job.SchemaVersion == 0 {
		job.SchemaVersion = SchemaVersion
	}
	raw, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("encode device job: %w", err)
	}
	return raw, nil
}

// Result strips the program and attaches captures; a nil captures slice becomes empty.
func (j DeviceJob) Result(captures []string) DeviceResult {
	if captures == nil {
		captures = []string{}
	}
	return DeviceResult{
		TestID:       j.TestID,
		DeviceID:     j.DeviceID,
		Capabilities: j.Capabilities,
		CreationDate: j.CreationDate,
		Captures:     captures,
	}
}
