package protocol

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookupKind(t *testing.T) {
	tests := []struct {
		name string
		want Kind
		ok   bool
	}{
		{"BORROW", KindBorrow, true},
		{"prestar", KindBorrow, true},
		{" Prestamo ", KindBorrow, true},
		{"devolver", KindReturn, true},
		{"DEVOLUCION", KindReturn, true},
		{"return", KindReturn, true},
		{"RENOVAR", KindRenew, true},
		{"renovacion", KindRenew, true},
		{"renew", KindRenew, true},
		{"RESERVE", "", false},
		{"", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := LookupKind(tt.name)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRequestParse(t *testing.T) {
	from := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	due := from.Add(14 * 24 * time.Hour)

	tests := []struct {
		name    string
		req     Request
		want    Operation
		wantErr error
	}{
		{
			name: "borrow",
			req:  Request{Operation: "PRESTAR", ISBN: "ISBN0001", User: "ana"},
			want: Borrow{ISBN: "ISBN0001", User: "ana"},
		},
		{
			name:    "borrow without user",
			req:     Request{Operation: "BORROW", ISBN: "ISBN0001"},
			wantErr: ErrMalformed,
		},
		{
			name: "return by id",
			req:  Request{Operation: "devolver", LoanID: "L-1"},
			want: Return{LoanRef: LoanRef{LoanID: "L-1"}},
		},
		{
			name: "return by isbn and user",
			req:  Request{Operation: "RETURN", ISBN: "ISBN0001", User: "ana"},
			want: Return{LoanRef: LoanRef{ISBN: "ISBN0001", User: "ana"}},
		},
		{
			name:    "return with isbn only",
			req:     Request{Operation: "RETURN", ISBN: "ISBN0001"},
			wantErr: ErrMalformed,
		},
		{
			name: "renew with times",
			req:  Request{Operation: "RENEW", LoanID: "L-1", FromTime: &from, NewDueTime: &due},
			want: Renew{LoanRef: LoanRef{LoanID: "L-1"}, FromTime: from, NewDueTime: due},
		},
		{
			name:    "renew with due before start",
			req:     Request{Operation: "RENEW", LoanID: "L-1", FromTime: &due, NewDueTime: &from},
			wantErr: ErrMalformed,
		},
		{
			name:    "missing operation",
			req:     Request{ISBN: "ISBN0001", User: "ana"},
			wantErr: ErrMalformed,
		},
		{
			name:    "unknown operation",
			req:     Request{Operation: "RESERVE", ISBN: "ISBN0001", User: "ana"},
			wantErr: ErrUnsupported,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.req.Parse()
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRenewRequestRoundTrip(t *testing.T) {
	from := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	op := Renew{LoanRef: LoanRef{LoanID: "L-9"}, FromTime: from}

	req := op.Request()
	require.NotNil(t, req.FromTime)
	assert.Nil(t, req.NewDueTime)

	parsed, err := req.Parse()
	require.NoError(t, err)
	assert.Equal(t, op, parsed)
}

func TestDecode(t *testing.T) {
	t.Run("json", func(t *testing.T) {
		req, err := Decode([]byte(`{"operation":"BORROW","isbn":"ISBN0001","user":"ana"}`))
		require.NoError(t, err)
		assert.Equal(t, Request{Operation: "BORROW", ISBN: "ISBN0001", User: "ana"}, req)
	})

	t.Run("line with user", func(t *testing.T) {
		req, err := Decode([]byte("PRESTAR, ISBN0001 ,ana\n"))
		require.NoError(t, err)
		assert.Equal(t, Request{Operation: "PRESTAR", ISBN: "ISBN0001", User: "ana"}, req)
	})

	t.Run("line with loan id", func(t *testing.T) {
		req, err := Decode([]byte("DEVOLVER,L-42"))
		require.NoError(t, err)
		assert.Equal(t, Request{Operation: "DEVOLVER", LoanID: "L-42"}, req)
	})

	t.Run("empty", func(t *testing.T) {
		_, err := Decode([]byte("   "))
		assert.ErrorIs(t, err, ErrMalformed)
	})

	t.Run("single token", func(t *testing.T) {
		_, err := Decode([]byte("BORROW"))
		assert.ErrorIs(t, err, ErrMalformed)
	})

	t.Run("broken json", func(t *testing.T) {
		_, err := Decode([]byte(`{"operation":`))
		assert.ErrorIs(t, err, ErrMalformed)
	})
}

func TestCodeFor(t *testing.T) {
	assert.Equal(t, CodeNotAvailable, CodeFor(errorf(ErrNotAvailable, "ISBN0001")))
	assert.Equal(t, CodeStoreUnavailable, CodeFor(ErrStoreUnavailable))
	assert.Equal(t, CodeInternal, CodeFor(errors.New("boom")))

	resp := Failure(KindRenew, errorf(ErrRenewalLimit, "L-1"))
	assert.False(t, resp.Success)
	assert.Equal(t, CodeRenewalLimit, resp.Error)
	assert.Equal(t, "RENEW", resp.Operation)
	assert.True(t, resp.Business())
}

func TestResponseClassification(t *testing.T) {
	tests := []struct {
		name      string
		resp      Response
		technical bool
		business  bool
	}{
		{"success", Response{Success: true}, false, false},
		{"not available", Response{Error: CodeNotAvailable}, false, true},
		{"store unavailable", Response{Error: CodeStoreUnavailable}, true, false},
		{"write failed", Response{Error: CodeStoreWriteFailed}, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.technical, tt.resp.Technical())
			assert.Equal(t, tt.business, tt.resp.Business())
		})
	}
}

func TestHealthy(t *testing.T) {
	assert.True(t, Health{Status: StatusOK, StoreAvailable: true}.Healthy())
	assert.False(t, Health{Status: StatusOK}.Healthy())
	assert.False(t, Health{Status: StatusFailing, StoreAvailable: true}.Healthy())
}

func TestReplicaOperationValidate(t *testing.T) {
	tests := []struct {
		name    string
		op      ReplicaOperation
		wantErr bool
	}{
		{"borrow", ReplicaOperation{Type: KindBorrow, LoanID: "L", ISBN: "I", User: "u", OriginSite: "site1"}, false},
		{"borrow without isbn", ReplicaOperation{Type: KindBorrow, LoanID: "L", User: "u", OriginSite: "site1"}, true},
		{"return", ReplicaOperation{Type: KindReturn, LoanID: "L", OriginSite: "site1"}, false},
		{"return without id", ReplicaOperation{Type: KindReturn, OriginSite: "site1"}, true},
		{"renew without origin", ReplicaOperation{Type: KindRenew, LoanID: "L"}, true},
		{"unknown type", ReplicaOperation{Type: "RESERVE", LoanID: "L", OriginSite: "site1"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.op.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrMalformed)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
