package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/scangate/scangate/internal/api/handlers/mocks"
	"github.com/scangate/scangate/internal/db"
	"github.com/scangate/scangate/internal/errors"
	"github.com/scangate/scangate/internal/ledger"
	"github.com/scangate/scangate/internal/scanner"
)

func snapshot(userID string, rows ...db.QuotaRow) *ledger.Snapshot {
	snap := &ledger.Snapshot{UserID: userID, Balances: map[scanner.Kind]db.QuotaRow{}}
	for _, row := range rows {
		snap.Balances[row.Kind] = row
	}
	return snap
}

func TestGetQuota(t *testing.T) {
	ctrl := gomock.NewController(t)
	quota := mocks.NewMockQuotaReader(ctrl)
	handler := NewAccountHandler(quota, mocks.NewMockSignupper(ctrl), createTestLogger())

	quota.EXPECT().Snapshot(gomock.Any(), "u1").Return(snapshot("u1",
		db.QuotaRow{Kind: scanner.KindNmap, Limit: 10, Used: 4},
		db.QuotaRow{Kind: scanner.KindZAP, Limit: 2, Used: 5},
	), nil)

	rec := httptest.NewRecorder()
	handler.GetQuota(rec, userRequest(http.MethodGet, "/api/v1/quota", "", "u1"))

	assert.Equal(t, http.StatusOK, rec.Code)
	var body QuotaResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, []QuotaBalance{
		{Scanner: scanner.KindNmap, Used: 4, Limit: 10, Remaining: 6},
		{Scanner: scanner.KindOpenVAS},
		{Scanner: scanner.KindZAP, Used: 5, Limit: 2, Remaining: 0},
	}, body.Quotas)
}

func TestGetQuotaFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	quota := mocks.NewMockQuotaReader(ctrl)
	handler := NewAccountHandler(quota, mocks.NewMockSignupper(ctrl), createTestLogger())

	quota.EXPECT().Snapshot(gomock.Any(), "u1").Return(nil, fmt.Errorf("db down"))

	rec := httptest.NewRecorder()
	handler.GetQuota(rec, userRequest(http.MethodGet, "/api/v1/quota", "", "u1"))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestSignup(t *testing.T) {
	t.Run("provisions and returns quota", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		quota := mocks.NewMockQuotaReader(ctrl)
		signup := mocks.NewMockSignupper(ctrl)
		handler := NewAccountHandler(quota, signup, createTestLogger())

		gomock.InOrder(
			signup.EXPECT().Signup(gomock.Any(), "u1").Return(&db.Account{
				UserID:             "u1",
				PlanTier:           scanner.TierFree,
				SubscriptionStatus: scanner.SubscriptionNone,
			}, nil),
			quota.EXPECT().Snapshot(gomock.Any(), "u1").Return(snapshot("u1",
				db.QuotaRow{Kind: scanner.KindNmap, Limit: 1},
			), nil),
		)

		rec := httptest.NewRecorder()
		handler.Signup(rec, userRequest(http.MethodPost, "/api/v1/signup", "", "u1"))

		assert.Equal(t, http.StatusOK, rec.Code)
		var body SignupResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "u1", body.Account.UserID)
		require.NotNil(t, body.Quota)
		assert.Equal(t, 1, body.Quota.Quotas[0].Remaining)
	})

	t.Run("quota read failure still succeeds", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		quota := mocks.NewMockQuotaReader(ctrl)
		signup := mocks.NewMockSignupper(ctrl)
		handler := NewAccountHandler(quota, signup, createTestLogger())

		signup.EXPECT().Signup(gomock.Any(), "u1").Return(&db.Account{UserID: "u1"}, nil)
		quota.EXPECT().Snapshot(gomock.Any(), "u1").Return(nil, fmt.Errorf("timeout"))

		rec := httptest.NewRecorder()
		handler.Signup(rec, userRequest(http.MethodPost, "/api/v1/signup", "", "u1"))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Nil(t, decodeMap(t, rec)["quota"])
	})

	t.Run("validation error", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		signup := mocks.NewMockSignupper(ctrl)
		handler := NewAccountHandler(mocks.NewMockQuotaReader(ctrl), signup, createTestLogger())

		signup.EXPECT().Signup(gomock.Any(), "").Return(nil, errors.New(errors.CodeValidation, "user id is required"))

		rec := httptest.NewRecorder()
		handler.Signup(rec, userRequest(http.MethodPost, "/api/v1/signup", "", ""))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}
