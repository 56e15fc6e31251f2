package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validViolation() Violation {
	return Violation{
		ID:         "v-1",
		Timestamp:  time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC),
		DomainID:   "site-a",
		CameraID:   "cam-1",
		Severity:   SeverityHigh,
		Status:     StatusOpen,
		MissingPPE: []MissingPPE{{Type: PPEHardHat, Required: true, Priority: 1}},
		Confidence: 0.92,
	}
}

func TestViolation_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(v *Violation)
		wantErr bool
	}{
		{name: "valid", mutate: func(v *Violation) {}},
		{name: "missing id", mutate: func(v *Violation) { v.ID = " " }, wantErr: true},
		{name: "zero timestamp", mutate: func(v *Violation) { v.Timestamp = time.Time{} }, wantErr: true},
		{name: "missing domain", mutate: func(v *Violation) { v.DomainID = "" }, wantErr: true},
		{name: "unknown severity", mutate: func(v *Violation) { v.Severity = "extreme" }, wantErr: true},
		{name: "unknown status", mutate: func(v *Violation) { v.Status = "pending" }, wantErr: true},
		{name: "confidence above one", mutate: func(v *Violation) { v.Confidence = 1.2 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := validViolation()
			tt.mutate(&v)
			err := v.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, EINVALID, ErrorCode(err))
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestDecodeViolation(t *testing.T) {
	payload := []byte(`{
		"id": "v-9",
		"timestamp": "2026-03-04T10:00:00Z",
		"domain_id": "site-a",
		"camera_id": "cam-2",
		"severity": "critical",
		"status": "open",
		"missing_ppe": [{"type": "hard_hat", "required": true, "priority": 1}, {"type": "hard_hat", "required": true, "priority": 2}],
		"confidence": 0.8
	}`)

	v, err := DecodeViolation(payload)
	require.NoError(t, err)
	assert.Equal(t, "v-9", v.ID)
	assert.True(t, v.IsCritical())
	assert.Equal(t, []PPEType{PPEHardHat}, v.PPETypes())

	_, err = DecodeViolation([]byte(`{"id": 12`))
	require.Error(t, err)
	assert.Equal(t, EINVALID, ErrorCode(err))
}

func TestFilterSet_Matches(t *testing.T) {
	v := validViolation()
	v.MissingPPE = append(v.MissingPPE, MissingPPE{Type: PPESafetyVest})

	tests := []struct {
		name   string
		filter FilterSet
		want   bool
	}{
		{name: "empty filter matches everything", filter: FilterSet{}, want: true},
		{name: "domain hit", filter: FilterSet{DomainIDs: []string{"site-b", "site-a"}}, want: true},
		{name: "domain miss", filter: FilterSet{DomainIDs: []string{"site-b"}}, want: false},
		{name: "any ppe type", filter: FilterSet{PPETypes: []PPEType{PPEGloves, PPESafetyVest}}, want: true},
		{name: "ppe miss", filter: FilterSet{PPETypes: []PPEType{PPEGloves}}, want: false},
		{
			name:   "and across dimensions",
			filter: FilterSet{Severities: []Severity{SeverityHigh}, Statuses: []Status{StatusClosed}},
			want:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.filter.Matches(v))
		})
	}
}

func TestTimeWindow_Contains(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	w := TimeWindow{Start: start, End: start.Add(24*time.Hour - time.Millisecond)}

	assert.True(t, w.IsValid())
	assert.True(t, w.Contains(start))
	assert.True(t, w.Contains(w.End))
	assert.False(t, w.Contains(start.Add(-time.Millisecond)))
	assert.False(t, w.Contains(w.End.Add(time.Millisecond)))
}

func TestViolationQuery_Validate(t *testing.T) {
	require.NoError(t, ViolationQuery{Limit: MaxPageSize}.Validate())

	err := ViolationQuery{Limit: MaxPageSize + 1}.Validate()
	require.Error(t, err)
	assert.Equal(t, ECONFIG, ErrorCode(err))

	assert.Error(t, ViolationQuery{Limit: 0}.Validate())
	assert.Error(t, ViolationQuery{Limit: 10, Skip: -1}.Validate())
}

func TestErrorHelpers(t *testing.T) {
	cause := errors.New("connection reset")
	err := FetchFailed("fetch.page", cause)

	assert.Equal(t, EFETCH, ErrorCode(err))
	assert.Equal(t, "fetch.page", ErrorOp(err))
	assert.ErrorIs(t, err, cause)
	assert.True(t, IsCode(err, EFETCH))
	assert.Equal(t, EINTERNAL, ErrorCode(cause))
	assert.Equal(t, "", ErrorCode(nil))
	assert.Contains(t, StaleData("engine.poll", 3).Error(), "3 consecutive")
}
