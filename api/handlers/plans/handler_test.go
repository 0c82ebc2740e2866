package plans

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"backend/internal/subscription"

	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func setupPlansRouter(t *testing.T) (*gin.Engine, *subscription.Service) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:plans_handler_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	svc := subscription.NewService(db)
	require.NoError(t, svc.AutoMigrate())

	handler := NewHandler(svc)
	router := gin.New()
	router.GET("/api/plans", handler.ListPlans)
	router.GET("/api/plans/default", handler.GetDefaultPlan)
	router.GET("/api/plans/:id", handler.GetPlan)
	router.POST("/api/plans", handler.CreatePlan)
	router.PUT("/api/plans/:id", handler.UpdatePlan)
	router.DELETE("/api/plans/:id", handler.DeletePlan)

	return router, svc
}

func TestPlansHandler_CreateAndGet_HTTP(t *testing.T) {
	router, _ := setupPlansRouter(t)

	body, _ := json.Marshal(map[string]interface{}{
		"name":                  "Pro",
		"code":                  "pro",
		"price_monthly_usd":     20.0,
		"monthly_quota_credits": 5000.0,
		"allows_overage":        true,
		"is_active":             true,
	})
	w := httptest.NewRecorder()
	req, _ := http.NewRequest("POST", "/api/plans", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var created struct {
		Success bool                          `json:"success"`
		Data    subscription.SubscriptionPlan `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.True(t, created.Success)
	assert.NotEmpty(t, created.Data.ID)

	w = httptest.NewRecorder()
	req, _ = http.NewRequest("GET", "/api/plans/"+created.Data.ID, nil)
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	// 重复 code 返回 409
	w = httptest.NewRecorder()
	req, _ = http.NewRequest("POST", "/api/plans", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestPlansHandler_GetMissing_HTTP(t *testing.T) {
	router, _ := setupPlansRouter(t)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/api/plans/nonexistent", nil)
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)

	// 尚无默认套餐
	w = httptest.NewRecorder()
	req, _ = http.NewRequest("GET", "/api/plans/default", nil)
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPlansHandler_DeleteDeactivates_HTTP(t *testing.T) {
	router, svc := setupPlansRouter(t)

	plan := &subscription.SubscriptionPlan{Name: "Free", Code: "free", IsActive: true}
	require.NoError(t, svc.CreatePlan(context.Background(), plan))

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("DELETE", "/api/plans/"+plan.ID, nil)
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	// 默认仅列出启用中的套餐
	w = httptest.NewRecorder()
	req, _ = http.NewRequest("GET", "/api/plans", nil)
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var listed struct {
		Data []subscription.SubscriptionPlan `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &listed))
	assert.Empty(t, listed.Data)
}
