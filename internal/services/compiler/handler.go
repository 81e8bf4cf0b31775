package compiler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	apperrors "github.com/apsl-space/apsl/internal/platform/errors"
)

const maxCompileBodyBytes = 16 << 10

type compileRequest struct {
	Dealer   string `json:"dealer"`
	Customer string `json:"customer"`
}

type compileError struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// Handler serves POST /compile.
func (c *Compiler) Handler() http.Handler {
	return http.HandlerFunc(c.serveCompile)
}

func (c *Compiler) serveCompile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeCompileJSON(w, http.StatusMethodNotAllowed, compileError{Error: "Method not allowed"})
		return
	}

	var req compileRequest
	body := http.MaxBytesReader(w, r.Body, maxCompileBodyBytes)
	// An empty body decodes as {} so missing fields report as such.
	if err := json.NewDecoder(body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeCompileJSON(w, http.StatusRequestEntityTooLarge, compileError{Error: "Request body too large"})
			return
		}
		writeCompileJSON(w, http.StatusBadRequest, compileError{Error: "Invalid JSON body"})
		return
	}

	artifact, err := c.Compile(r.Context(), req.Dealer, req.Customer)
	if err != nil {
		code := apperrors.CodeOf(err)
		status := code.HTTPStatus()
		if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
			c.logger.Error("compile request failed", zap.String("code", string(code)), zap.Error(err))
		}
		writeCompileJSON(w, status, compileError{
			Error: apperrors.MessageOf(err, "Compilation failed"),
			Code:  string(code),
		})
		return
	}
	writeCompileJSON(w, http.StatusOK, artifact)
}

func writeCompileJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
