// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// envelope is the uniform JSON shape every handler responds with, one
// of Data or Error populated.
type envelope struct {
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

func ok(c *gin.Context, data any) {
	c.JSON(http.StatusOK, envelope{Data: data})
}

func created(c *gin.Context, data any) {
	c.JSON(http.StatusCreated, envelope{Data: data})
}

func fail(c *gin.Context, status int, err error) {
	c.JSON(status, envelope{Error: err.Error()})
}

func badRequest(c *gin.Context, err error) { fail(c, http.StatusBadRequest, err) }
func notFound(c *gin.Context, err error)   { fail(c, http.StatusNotFound, err) }
func internal(c *gin.Context, err error)   { fail(c, http.StatusInternalServerError, err) }
