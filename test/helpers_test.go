//go:build integration

package test

import (
	"encoding/json"
	"net/http"
	"strconv"
)

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}

func decodeJSON(resp *http.Response, v any) error {
	return json.NewDecoder(resp.Body).Decode(v)
}
