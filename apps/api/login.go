package main

import (
	"net/http"

	jww "github.com/spf13/jwalterweatherman"

	"github.com/mahaj/tenant-realtime/pkg/backend"
)

// Login issues a token for the user. Identity verification belongs to the
// tenant's identity provider.
func (s *Server) Login(w http.ResponseWriter, r *http.Request) {
	var req backend.LoginRequest
	if !decode(w, r, &req) {
		return
	}

	if req.UserID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}

	token, err := s.signer.GenerateToken(req.UserID, req.DisplayName)
	if err != nil {
		http.Error(w, "Failed to generate token", http.StatusInternalServerError)
		return
	}

	jww.INFO.Printf("Issued token for %s", req.UserID)
	writeJSON(w, http.StatusOK, backend.LoginResponse{Token: token, UserID: req.UserID, DisplayName: req.DisplayName})
}
