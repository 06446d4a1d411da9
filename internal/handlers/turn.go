package handlers

import (
	"net/http"

	"github.com/CineSync/cinesync-server/internal/identity"
	"github.com/CineSync/cinesync-server/internal/turn"
)

// TurnHandler はP2P音声・映像用の一時TURN資格情報を返すハンドラー
// 同期ロジックからは独立しており、資格情報の発行のみを行います
type TurnHandler struct {
	issuer   *turn.Issuer
	verifier identity.Verifier
}

func NewTurnHandler(issuer *turn.Issuer, verifier identity.Verifier) *TurnHandler {
	return &TurnHandler{issuer: issuer, verifier: verifier}
}

// Credentials はユーザーIDに紐づく一時資格情報を発行します
func (h *TurnHandler) Credentials(w http.ResponseWriter, r *http.Request) {
	ident := identityFrom(r, h.verifier)
	respondJSON(w, http.StatusOK, h.issuer.Issue(ident.UserId))
}
