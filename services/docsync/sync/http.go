// Copyright (C) 2025 Cloudillo
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE file for the full license text.

package sync

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cloudillo/cloudillo-sub009/services/docsync/crdt"
	"github.com/cloudillo/cloudillo-sub009/services/docsync/session"
	"github.com/cloudillo/cloudillo-sub009/services/docsync/store"
)

// httpStatus maps domain errors onto HTTP status codes.
func httpStatus(err error) (int, string) {
	switch {
	case errors.Is(err, store.ErrInvalidDocID),
		errors.Is(err, crdt.ErrIndexOutOfRange),
		errors.Is(err, crdt.ErrEmptyInsert):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, session.ErrSessionUnavailable),
		errors.Is(err, store.ErrCorruptState):
		return http.StatusServiceUnavailable, err.Error()
	case errors.Is(err, session.ErrRegistryClosed):
		return http.StatusServiceUnavailable, "shutting down"
	default:
		return http.StatusInternalServerError, err.Error()
	}
}

// GetContent returns the materialized document value.
func (h *Handler) GetContent() gin.HandlerFunc {
	return func(c *gin.Context) {
		sess, err := h.registry.Acquire(c.Request.Context(), c.Param("docID"))
		if err != nil {
			status, msg := httpStatus(err)
			c.JSON(status, gin.H{"error": msg})
			return
		}
		text, err := sess.Text()
		if err != nil {
			status, msg := httpStatus(err)
			c.JSON(status, gin.H{"error": msg})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"docId":   sess.DocID(),
			"content": text,
			"length":  len([]rune(text)),
		})
	}
}

// GetStateVector exposes a document's state vector for debugging.
func (h *Handler) GetStateVector() gin.HandlerFunc {
	return func(c *gin.Context) {
		sess, err := h.registry.Acquire(c.Request.Context(), c.Param("docID"))
		if err != nil {
			status, msg := httpStatus(err)
			c.JSON(status, gin.H{"error": msg})
			return
		}
		sv, err := sess.StateVector()
		if err != nil {
			status, msg := httpStatus(err)
			c.JSON(status, gin.H{"error": msg})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"docId": sess.DocID(),
			"sv":    sv,
		})
	}
}

// editRequest is the body of POST /v1/docs/:docID/edits.
type editRequest struct {
	Op     string `json:"op" binding:"required,oneof=insert delete"`
	Index  int    `json:"index"`
	Text   string `json:"text"`
	Length int    `json:"length"`
}

// PostEdit applies an index-based edit with the server's own replica.
func (h *Handler) PostEdit() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req editRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		var op crdt.LocalOp
		switch req.Op {
		case "insert":
			op = crdt.InsertAt{Index: req.Index, Text: req.Text}
		case "delete":
			op = crdt.DeleteAt{Index: req.Index, Length: req.Length}
		}

		sess, err := h.registry.Acquire(c.Request.Context(), c.Param("docID"))
		if err != nil {
			status, msg := httpStatus(err)
			c.JSON(status, gin.H{"error": msg})
			return
		}
		rec, err := sess.SubmitLocal(c.Request.Context(), "", op)
		if err != nil {
			status, msg := httpStatus(err)
			c.JSON(status, gin.H{"error": msg})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"replica": rec.Replica,
			"clock":   rec.Clock,
			"span":    rec.Span,
		})
	}
}

// DeleteDocument evicts the resident session and removes persisted
// state.
func (h *Handler) DeleteDocument() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := h.registry.Delete(c.Request.Context(), c.Param("docID")); err != nil {
			status, msg := httpStatus(err)
			c.JSON(status, gin.H{"error": msg})
			return
		}
		c.Status(http.StatusNoContent)
	}
}
