package jobs

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/postalscan/internal/errors"
	"github.com/anstrom/postalscan/internal/ingest"
)

func TestScanJob_Transition(t *testing.T) {
	at := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		from    Status
		to      Status
		cause   string
		wantErr bool
	}{
		{name: "created to running", from: StatusCreated, to: StatusRunning},
		{name: "created to failed", from: StatusCreated, to: StatusFailed, cause: "no networks"},
		{name: "running to completed", from: StatusRunning, to: StatusCompleted},
		{name: "running to failed", from: StatusRunning, to: StatusFailed, cause: CauseCanceled},
		{name: "created to completed", from: StatusCreated, to: StatusCompleted, wantErr: true},
		{name: "running to created", from: StatusRunning, to: StatusCreated, wantErr: true},
		{name: "running to running", from: StatusRunning, to: StatusRunning, wantErr: true},
		{name: "failed without cause", from: StatusRunning, to: StatusFailed, wantErr: true},
		{name: "completed is terminal", from: StatusCompleted, to: StatusFailed, cause: "late", wantErr: true},
		{name: "failed is terminal", from: StatusFailed, to: StatusRunning, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := ScanJob{ID: "job-1", Status: tt.from}
			before := job

			err := job.Transition(tt.to, at, tt.cause)
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, before, job, "a rejected transition must not change the job")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.to, job.Status)

			switch tt.to {
			case StatusRunning:
				assert.Equal(t, &at, job.StartedAt)
				assert.Nil(t, job.CompletedAt)
			case StatusCompleted:
				assert.Equal(t, &at, job.CompletedAt)
				assert.Empty(t, job.Error)
			case StatusFailed:
				assert.Equal(t, tt.cause, job.Error)
				assert.Equal(t, &at, job.CompletedAt)
			}
		})
	}
}

func TestScanJob_FailedFromCreatedNeverStarts(t *testing.T) {
	job := ScanJob{ID: "job-1", Status: StatusCreated}
	require.NoError(t, job.Transition(StatusFailed, time.Now(), "no usable networks"))
	assert.Nil(t, job.StartedAt)

	update := job.Update()
	assert.Equal(t, StatusFailed, update.Status)
	assert.Equal(t, "no usable networks", update.Error)
}

func TestStatus(t *testing.T) {
	assert.True(t, StatusCompleted.IsTerminal())
	assert.True(t, StatusFailed.IsTerminal())
	assert.False(t, StatusRunning.IsTerminal())
	assert.False(t, StatusCreated.IsTerminal())

	assert.True(t, StatusRunning.Valid())
	assert.False(t, Status("paused").Valid())
}

func validParams() Parameters {
	return Parameters{Port: 80, BandwidthCap: "10M", MaxNetworks: 100, Simulate: true}
}

func TestValidateRequest(t *testing.T) {
	v := NewValidator()
	inline := []ingest.RawRecord{{Network: "10.0.0.0/30", PostalCode: "11111"}}

	tests := []struct {
		name      string
		req       SubmitRequest
		wantField string
	}{
		{
			name: "valid inline",
			req:  SubmitRequest{Networks: inline, Parameters: validParams()},
		},
		{
			name: "valid reference with id",
			req:  SubmitRequest{ID: "nightly-2026.04_01", InputReference: "networks.csv", Parameters: validParams()},
		},
		{
			name: "empty inline list is accepted",
			req:  SubmitRequest{Networks: []ingest.RawRecord{}, Parameters: validParams()},
		},
		{
			name:      "port zero",
			req:       SubmitRequest{Networks: inline, Parameters: Parameters{Port: 0, BandwidthCap: "10M", MaxNetworks: 1}},
			wantField: "parameters.port",
		},
		{
			name:      "port too high",
			req:       SubmitRequest{Networks: inline, Parameters: Parameters{Port: 70000, BandwidthCap: "10M", MaxNetworks: 1}},
			wantField: "parameters.port",
		},
		{
			name:      "bad bandwidth",
			req:       SubmitRequest{Networks: inline, Parameters: Parameters{Port: 80, BandwidthCap: "fast", MaxNetworks: 1}},
			wantField: "parameters.bandwidth_cap",
		},
		{
			name:      "nan bandwidth",
			req:       SubmitRequest{Networks: inline, Parameters: Parameters{Port: 80, BandwidthCap: "nan", MaxNetworks: 1}},
			wantField: "parameters.bandwidth_cap",
		},
		{
			name:      "infinite bandwidth",
			req:       SubmitRequest{Networks: inline, Parameters: Parameters{Port: 80, BandwidthCap: "inf", MaxNetworks: 1}},
			wantField: "parameters.bandwidth_cap",
		},
		{
			name:      "infinite probe rate",
			req:       SubmitRequest{Networks: inline, Parameters: Parameters{Port: 80, BandwidthCap: "infpps", MaxNetworks: 1}},
			wantField: "parameters.bandwidth_cap",
		},
		{
			name:      "nan probe rate",
			req:       SubmitRequest{Networks: inline, Parameters: Parameters{Port: 80, BandwidthCap: "nanpps", MaxNetworks: 1}},
			wantField: "parameters.bandwidth_cap",
		},
		{
			name:      "bandwidth below one probe per second",
			req:       SubmitRequest{Networks: inline, Parameters: Parameters{Port: 80, BandwidthCap: "10", MaxNetworks: 1}},
			wantField: "parameters.bandwidth_cap",
		},
		{
			name:      "missing max networks",
			req:       SubmitRequest{Networks: inline, Parameters: Parameters{Port: 80, BandwidthCap: "10M"}},
			wantField: "parameters.max_networks",
		},
		{
			name:      "bad id",
			req:       SubmitRequest{ID: "../etc", Networks: inline, Parameters: validParams()},
			wantField: "id",
		},
		{
			name:      "both inputs",
			req:       SubmitRequest{InputReference: "a.csv", Networks: inline, Parameters: validParams()},
			wantField: "networks",
		},
		{
			name:      "no input",
			req:       SubmitRequest{Parameters: validParams()},
			wantField: "input_reference",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRequest(v, tt.req)
			if tt.wantField == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			var verr *errors.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.wantField, verr.Field)
			assert.Equal(t, errors.CodeValidation, verr.Code)
		})
	}
}

func TestRetryPolicy_Backoff(t *testing.T) {
	p := RetryPolicy{Delay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2}

	assert.Equal(t, 100*time.Millisecond, p.backoff(1))
	assert.Equal(t, 200*time.Millisecond, p.backoff(2))
	assert.Equal(t, 400*time.Millisecond, p.backoff(3))
	assert.Equal(t, time.Second, p.backoff(5))
}
