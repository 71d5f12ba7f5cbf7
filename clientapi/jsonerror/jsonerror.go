// Copyright 2017 Vector Creations Ltd
// Copyright 2019-2020 The Matrix.org Foundation C.I.C.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package jsonerror holds the client-server API's typed M_* error bodies
// (spec.md §7), grounded on the teacher's dendrite/clientapi/jsonerror
// package (imported by name in the retrieved federation send.go forks).
package jsonerror

import "net/http"

// MatrixError is the standard {"errcode", "error"} body every client-server
// error response carries.
type MatrixError struct {
	Code    string `json:"errcode"`
	Message string `json:"error"`
}

// JSONResponse pairs a MatrixError with the HTTP status it should be sent
// under — the same (Code, JSON) shape matrix-org/util.JSONResponse uses,
// so handlers can return either interchangeably.
type JSONResponse struct {
	Code int
	JSON interface{}
}

func (e MatrixError) Error() string { return e.Message }

func asResponse(status int, code, msg string) JSONResponse {
	return JSONResponse{Code: status, JSON: MatrixError{Code: code, Message: msg}}
}

func Forbidden(msg string) JSONResponse {
	return asResponse(http.StatusForbidden, "M_FORBIDDEN", msg)
}

func NotFound(msg string) JSONResponse {
	return asResponse(http.StatusNotFound, "M_NOT_FOUND", msg)
}

func MissingParam(msg string) JSONResponse {
	return asResponse(http.StatusBadRequest, "M_MISSING_PARAM", msg)
}

func NotJSON(msg string) JSONResponse {
	return asResponse(http.StatusBadRequest, "M_NOT_JSON", msg)
}

func LimitExceeded(msg string, retryAfterMS int64) JSONResponse {
	return JSONResponse{Code: http.StatusTooManyRequests, JSON: struct {
		MatrixError
		RetryAfterMS int64 `json:"retry_after_ms"`
	}{MatrixError{Code: "M_LIMIT_EXCEEDED", Message: msg}, retryAfterMS}}
}

func UnknownToken(msg string) JSONResponse {
	return asResponse(http.StatusUnauthorized, "M_UNKNOWN_TOKEN", msg)
}

func Unauthorized(msg string) JSONResponse {
	return asResponse(http.StatusUnauthorized, "M_UNAUTHORIZED", msg)
}

func UnsupportedRoomVersion(msg string) JSONResponse {
	return asResponse(http.StatusBadRequest, "M_UNSUPPORTED_ROOM_VERSION", msg)
}

func InvalidSignature(msg string) JSONResponse {
	return asResponse(http.StatusBadRequest, "M_INVALID_SIGNATURE", msg)
}

func BadJSON(msg string) JSONResponse {
	return asResponse(http.StatusBadRequest, "M_BAD_JSON", msg)
}

func Unknown(msg string) JSONResponse {
	return asResponse(http.StatusInternalServerError, "M_UNKNOWN", msg)
}

func RoomInUse(msg string) JSONResponse {
	return asResponse(http.StatusBadRequest, "M_ROOM_IN_USE", msg)
}

func GuestAccessForbidden(msg string) JSONResponse {
	return asResponse(http.StatusForbidden, "M_GUEST_ACCESS_FORBIDDEN", msg)
}
