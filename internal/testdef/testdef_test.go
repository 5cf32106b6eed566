package testdef

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jaystack/device-megatest/internal/steps"
)

func TestDeviceJobRoundTrip(t *testing.T) {
	job := DeviceJob{
		TestID:       "abc",
		DeviceID:     DeviceID(2),
		Capabilities: CapabilitiesFor(DeviceSpec{OS: "ios", OSVersion: "17", Browser: "safari", Device: "iPhone 15"}),
		CreationDate: 1700000000000,
		Test:         steps.Program{steps.Navigate{URL: "https://x"}},
	}

	raw, err := EncodeDeviceJob(job)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"schemaVersion": 1,
		"testId": "abc",
		"deviceId": "Device_2",
		"capabilities": {"os":"ios","os_version":"17","browserName":"safari","device":"iPhone 15"},
		"creationDate": 1700000000000,
		"test": [{"cmd":"navigate","url":"https://x"}]
	}`, string(raw))

	decoded, err := DecodeDeviceJob(raw)
	require.NoError(t, err)
	job.SchemaVersion = SchemaVersion
	assert.Equal(t, job, decoded)
}

func TestDecodeDeviceJobRejectsPoison(t *testing.T) {
	cases := map[string]string{
		"garbage":        `not json`,
		"future version": `{"schemaVersion":2,"testId":"a","deviceId":"Device_0","test":[]}`,
		"missing ids":    `{"schemaVersion":1,"test":[]}`,
		"path in id":     `{"testId":"../etc","deviceId":"Device_0","test":[]}`,
		"bad step":       `{"testId":"a","deviceId":"Device_0","test":[{"cmd":"navigate"}]}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeDeviceJob([]byte(raw))
			assert.Error(t, err)
		})
	}

	_, err := DecodeDeviceJob([]byte(`{"schemaVersion":7,"testId":"a","deviceId":"b"}`))
	assert.ErrorIs(t, err, ErrUnsupportedVersion)
}

func TestDecodeDeviceJobDefaultsVersion(t *testing.T) {
	job, err := DecodeDeviceJob([]byte(`{"testId":"a","deviceId":"Device_0","test":[{"cmd":"capture","name":"x"}]}`))
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, job.SchemaVersion)
	assert.Len(t, job.Test, 1)
}

func TestTestRequestValidate(t *testing.T) {
	var req TestRequest
	require.NoError(t, json.Unmarshal([]byte(`{
		"devices":[{"os":"Windows","os_version":"11","browser":"chrome"}],
		"test":[{"cmd":"navigate","url":"https://x"}]
	}`), &req))
	assert.NoError(t, req.Validate())

	assert.Error(t, TestRequest{Test: req.Test}.Validate())
	assert.Error(t, TestRequest{Devices: req.Devices}.Validate())
	assert.Error(t, TestRequest{Devices: []DeviceSpec{{OS: "ios"}}, Test: req.Test}.Validate())
}

func TestCapabilitiesMapOmitsEmpty(t *testing.T) {
	caps := CapabilitiesFor(DeviceSpec{OS: "Windows", OSVersion: "10", Browser: "firefox"})
	assert.Equal(t, map[string]any{"os": "Windows", "os_version": "10", "browserName": "firefox"}, caps.Map())
	assert.Equal(t, "Windows/10/firefox", caps.String())
}

func TestResultNeverHasNullCaptures(t *testing.T) {
	raw, err := json.Marshal(DeviceJob{TestID: "a", DeviceID: "Device_0"}.Result(nil))
	require.NoError(t, err)
	assert.JSONEq(t, `{"testId":"a","deviceId":"Device_0","capabilities":{"os":"","os_version":"","browserName":""},"creationDate":0,"captures":[]}`, string(raw))
}
