package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

func registerBuiltins(b *Backend) {
	b.rpcs["is_admin"] = rpcIsAdmin
	b.rpcs["admin_dashboard_metrics"] = rpcDashboardMetrics
	b.rpcs["get_app_setting"] = rpcGetSetting
	b.rpcs["set_app_setting"] = rpcSetSetting
	b.functions["create-driver"] = fnCreateDriver
}

func rpcIsAdmin(ctx context.Context, b *Backend, args map[string]any) (any, error) {
	uid, _ := args["uid"].(string)
	return b.IsAdmin(ctx, uid)
}

func rpcDashboardMetrics(_ context.Context, b *Backend, _ map[string]any) (any, error) {
	now := b.now()
	since := now.Add(-24 * time.Hour)

	byStatus := map[string]int{}
	ridesLastDay := 0
	for _, r := range b.rowsOf("rides") {
		if t, ok := asTime(r["requested_at"]); ok && t.After(since) {
			ridesLastDay++
		}
		if status, ok := r["status"].(string); ok {
			byStatus[status]++
		}
	}
	activeDrivers := 0
	for _, p := range b.rowsOf("profiles") {
		if p["role"] == "driver" && p["is_active"] == true {
			activeDrivers++
		}
	}
	errorsLastDay := 0
	for _, e := range b.rowsOf("error_logs") {
		if t, ok := asTime(e["created_at"]); ok && t.After(since) {
			errorsLastDay++
		}
	}
	return map[string]any{
		"ts":              now.UTC(),
		"rides_last_24h":  ridesLastDay,
		"active_drivers":  activeDrivers,
		"rides_by_status": byStatus,
		"errors_last_24h": errorsLastDay,
	}, nil
}

func rpcGetSetting(_ context.Context, b *Backend, args map[string]any) (any, error) {
	key, _ := args["p_key"].(string)
	for _, row := range b.rowsOf("app_settings") {
		if row["key"] == key {
			return row["value"], nil
		}
	}
	return nil, nil
}

func rpcSetSetting(ctx context.Context, b *Backend, args map[string]any) (any, error) {
	key, _ := args["p_key"].(string)
	if strings.TrimSpace(key) == "" {
		return nil, errors.New("p_key is required")
	}
	value := args["p_value"]
	if err := b.Update(ctx, "app_settings", key, map[string]any{"value": value}); err == nil {
		return nil, nil
	}
	return nil, b.Insert(ctx, "app_settings", map[string]any{"id": key, "key": key, "value": value})
}

type createDriverBody struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	FullName string `json:"full_name"`
	Phone    string `json:"phone"`
	Make     string `json:"make"`
	Model    string `json:"model"`
	Year     string `json:"year"`
	Color    string `json:"color"`
	Plate    string `json:"plate"`
}

func fnCreateDriver(ctx context.Context, b *Backend, raw json.RawMessage) (any, error) {
	var body createDriverBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("decode body: %w", err)
	}
	if body.Email == "" || body.Password == "" {
		return nil, errors.New("email and password are required")
	}
	id, err := b.AddUser(body.Email, body.Password, false)
	if err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	if err := b.Insert(ctx, "profiles", map[string]any{
		"id":        id,
		"role":      "driver",
		"full_name": nullable(body.FullName),
		"phone":     nullable(body.Phone),
		"email":     strings.ToLower(body.Email),
		"bg_check":  "pending",
		"is_active": true,
	}); err != nil {
		return nil, fmt.Errorf("update profile: %w", err)
	}
	if body.Make != "" || body.Model != "" || body.Year != "" || body.Color != "" || body.Plate != "" {
		var year any
		if n, err := strconv.Atoi(body.Year); err == nil {
			year = n
		}
		if err := b.Insert(ctx, "vehicles", map[string]any{
			"driver_id": id,
			"make":      nullable(body.Make),
			"model":     nullable(body.Model),
			"year":      year,
			"color":     nullable(body.Color),
			"plate":     nullable(body.Plate),
		}); err != nil {
			return nil, fmt.Errorf("create vehicle: %w", err)
		}
	}
	return map[string]any{
		"success": true,
		"user_id": id,
		"message": "Driver created successfully",
	}, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func asTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		return parsed, err == nil
	}
	return time.Time{}, false
}
