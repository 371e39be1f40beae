package parser

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// CheckEmbeddedError inspects a decoded body for an error payload. Some
// proxies return HTTP 200 with the error in the body; detection covers:
//
//  1. top-level "error" object or string
//  2. top-level type == "error"
//  3. errors nested inside a "chunks" array
func CheckEmbeddedError(payload map[string]any) (bool, *ErrorInfo) {
	if payload == nil {
		return false, nil
	}

	if raw, ok := payload["error"]; ok {
		return true, errorInfoFromValue(raw)
	}

	if jsonString(payload, "type") == "error" {
		return true, errorInfoFromValue(payload)
	}

	for _, item := range jsonSlice(payload, "chunks") {
		chunk, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if raw, ok := chunk["error"]; ok {
			return true, errorInfoFromValue(raw)
		}
		if jsonString(chunk, "type") == "error" {
			return true, errorInfoFromValue(chunk)
		}
	}

	return false, nil
}

func errorInfoFromValue(raw any) *ErrorInfo {
	info := &ErrorInfo{}

	obj, ok := raw.(map[string]any)
	if !ok {
		info.Message = fmt.Sprintf("%v", raw)
		return info
	}

	info.Type = jsonString(obj, "type")
	info.Status = jsonString(obj, "status")
	info.Message = jsonString(obj, "message")
	if info.Message == "" {
		info.Message = fmt.Sprintf("%v", obj)
	}

	// Claude wraps the detail one level down: {"type":"error","error":{...}}.
	if nested := jsonMap(obj, "error"); nested != nil {
		if t := jsonString(nested, "type"); t != "" {
			info.Type = t
		}
		if m := jsonString(nested, "message"); m != "" {
			info.Message = m
		}
		if s := jsonString(nested, "status"); s != "" {
			info.Status = s
		}
		if c := jsonInt(nested, "code"); c != 0 {
			info.Code = c
		}
	}

	if info.Code == 0 {
		info.Code = jsonInt(obj, "code")
	}
	if info.Code == 0 {
		info.Code = ExtractErrorCode(info.Type, info.Status, info.Message)
	}

	return info
}

var statusCodeRe = regexp.MustCompile(`status code[:\s]+(\d{3})`)

// statusNameCodes maps symbolic status strings (Gemini/gRPC style) and common
// error type names to HTTP codes.
var statusNameCodes = map[string]int{
	"resource_exhausted":    429,
	"rate_limit_error":      429,
	"overloaded_error":      529,
	"invalid_argument":      400,
	"invalid_request_error": 400,
	"failed_precondition":   400,
	"unauthenticated":       401,
	"authentication_error":  401,
	"permission_denied":     403,
	"permission_error":      403,
	"not_found":             404,
	"not_found_error":       404,
	"deadline_exceeded":     504,
	"unavailable":           503,
	"internal":              500,
	"api_error":             500,
}

// ExtractErrorCode derives an HTTP-style status code from an error payload's
// type, status, and message fields. Returns 0 when nothing matches.
func ExtractErrorCode(errType, status, message string) int {
	for _, field := range []string{status, errType} {
		if field == "" {
			continue
		}
		if code, err := strconv.Atoi(field); err == nil && code >= 100 && code < 600 {
			return code
		}
		if code, ok := statusNameCodes[strings.ToLower(field)]; ok {
			return code
		}
	}

	if m := statusCodeRe.FindStringSubmatch(strings.ToLower(message)); m != nil {
		if code, err := strconv.Atoi(m[1]); err == nil {
			return code
		}
	}

	return 0
}
