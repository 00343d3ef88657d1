package main

import (
	"math/big"
	"net/http"
	"strings"

	"agentforge/pkg/carvid"
	"agentforge/pkg/events"
	"agentforge/pkg/revert"
	"agentforge/pkg/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
)

type identityView struct {
	CarvID      string         `json:"carvId"`
	Owner       common.Address `json:"owner"`
	MetadataURI string         `json:"metadataURI"`
	Approved    common.Address `json:"approved"`
	Profile     carvid.Profile `json:"profile"`
}

func newIdentityView(id carvid.Identity) identityView {
	return identityView{
		CarvID:      id.CarvID.String(),
		Owner:       id.Owner,
		MetadataURI: id.MetadataURI,
		Approved:    id.Approved,
		Profile:     id.Profile,
	}
}

func (c *controlAPIServer) registerIdentityRoutes(r chi.Router) {
	r.Post("/carvid/mint", c.handleMint)
	r.Post("/carvid/operators", c.handleSetOperator)
	r.Get("/carvid/{id}", c.handleIdentity)
	r.Post("/carvid/{id}/profile", c.handleUpdateProfile)
	r.Post("/carvid/{id}/grant", c.handleGrantAccess)
	r.Post("/carvid/{id}/revoke", c.handleRevokeAccess)
	r.Get("/carvid/{id}/access", c.handleHasAccess)
	r.Post("/carvid/{id}/approve", c.handleApprove)
	r.Post("/carvid/{id}/transfer", c.handleTransferIdentity)
	r.Get("/carvid/{id}/agents", c.handleAgentsByCarvID)
	r.Get("/owners/{address}/carvids", c.handleTokensOf)
}

// parseDataType accepts a 32 byte hex hash or a label that is hashed.
func parseDataType(raw string) (common.Hash, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return common.Hash{}, revert.New(revert.InvalidArgument, "data_type is required")
	}
	if strings.HasPrefix(raw, "0x") && len(raw) == 2+2*common.HashLength {
		return common.HexToHash(raw), nil
	}
	return events.DataTypeHash(raw), nil
}

func (c *controlAPIServer) handleMint(w http.ResponseWriter, r *http.Request) {
	caller, ok := c.requireCaller(w, r)
	if !ok {
		return
	}
	var req struct {
		To          string `json:"to" validate:"required,eth_addr"`
		CarvID      string `json:"carv_id" validate:"required"`
		MetadataURI string `json:"metadata_uri" validate:"max=2048"`
		Name        string `json:"name" validate:"max=256"`
		Description string `json:"description" validate:"max=4096"`
	}
	if !decodeAndValidate(w, r, &req) {
		return
	}
	id, err := state.ParseBig(req.CarvID)
	if err != nil {
		writeError(w, err)
		return
	}
	rc, err := c.node.ids.Mint(r.Context(), caller, common.HexToAddress(req.To), id, req.MetadataURI, req.Name, req.Description)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"carvId": id.String(), "tx": rc})
}

func (c *controlAPIServer) handleIdentity(w http.ResponseWriter, r *http.Request) {
	id, err := pathCarvID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	ident, err := c.node.ids.Identity(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newIdentityView(ident))
}

func (c *controlAPIServer) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	caller, ok := c.requireCaller(w, r)
	if !ok {
		return
	}
	id, err := pathCarvID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		Name        string `json:"name" validate:"max=256"`
		Description string `json:"description" validate:"max=4096"`
	}
	if !decodeAndValidate(w, r, &req) {
		return
	}
	rc, err := c.node.ids.UpdateProfile(r.Context(), caller, id, req.Name, req.Description)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tx": rc})
}

type accessRequest struct {
	Grantee  string `json:"grantee" validate:"required,eth_addr"`
	DataType string `json:"data_type" validate:"notblank"`
}

func (c *controlAPIServer) handleGrantAccess(w http.ResponseWriter, r *http.Request) {
	c.handleAccessChange(w, r, true)
}

func (c *controlAPIServer) handleRevokeAccess(w http.ResponseWriter, r *http.Request) {
	c.handleAccessChange(w, r, false)
}

func (c *controlAPIServer) handleAccessChange(w http.ResponseWriter, r *http.Request, grant bool) {
	caller, ok := c.requireCaller(w, r)
	if !ok {
		return
	}
	id, err := pathCarvID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req accessRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	dataType, err := parseDataType(req.DataType)
	if err != nil {
		writeError(w, err)
		return
	}
	grantee := common.HexToAddress(req.Grantee)
	var rc *state.Receipt
	if grant {
		rc, err = c.node.ids.GrantAccess(r.Context(), caller, id, grantee, dataType)
	} else {
		rc, err = c.node.ids.RevokeAccess(r.Context(), caller, id, grantee, dataType)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"dataType": dataType, "tx": rc})
}

func (c *controlAPIServer) handleHasAccess(w http.ResponseWriter, r *http.Request) {
	id, err := pathCarvID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	q := r.URL.Query()
	grantee := strings.TrimSpace(q.Get("grantee"))
	if !common.IsHexAddress(grantee) {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "grantee must be a 0x-prefixed address"})
		return
	}
	dataType, err := parseDataType(q.Get("dataType"))
	if err != nil {
		writeError(w, err)
		return
	}
	has, err := c.node.ids.HasAccess(r.Context(), id, common.HexToAddress(grantee), dataType)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"hasAccess": has, "dataType": dataType})
}

func (c *controlAPIServer) handleApprove(w http.ResponseWriter, r *http.Request) {
	caller, ok := c.requireCaller(w, r)
	if !ok {
		return
	}
	id, err := pathCarvID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		To string `json:"to" validate:"required,eth_addr"`
	}
	if !decodeAndValidate(w, r, &req) {
		return
	}
	rc, err := c.node.ids.Approve(r.Context(), caller, common.HexToAddress(req.To), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tx": rc})
}

func (c *controlAPIServer) handleSetOperator(w http.ResponseWriter, r *http.Request) {
	caller, ok := c.requireCaller(w, r)
	if !ok {
		return
	}
	var req struct {
		Operator string `json:"operator" validate:"required,eth_addr"`
		Approved bool   `json:"approved"`
	}
	if !decodeAndValidate(w, r, &req) {
		return
	}
	rc, err := c.node.ids.SetApprovalForAll(r.Context(), caller, common.HexToAddress(req.Operator), req.Approved)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tx": rc})
}

func (c *controlAPIServer) handleTransferIdentity(w http.ResponseWriter, r *http.Request) {
	caller, ok := c.requireCaller(w, r)
	if !ok {
		return
	}
	id, err := pathCarvID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		From string `json:"from" validate:"omitempty,eth_addr"`
		To   string `json:"to" validate:"required,eth_addr"`
	}
	if !decodeAndValidate(w, r, &req) {
		return
	}
	var from common.Address
	if req.From != "" {
		from = common.HexToAddress(req.From)
	} else if from, err = c.node.ids.OwnerOf(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	rc, err := c.node.ids.TransferFrom(r.Context(), caller, from, common.HexToAddress(req.To), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tx": rc})
}

func (c *controlAPIServer) handleTokensOf(w http.ResponseWriter, r *http.Request) {
	owner, err := pathAddress(r)
	if err != nil {
		writeError(w, err)
		return
	}
	ids, err := c.node.ids.TokensOf(r.Context(), owner)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"owner": owner, "count": len(ids), "carvIds": bigStrings(ids)})
}

func bigStrings(in []*big.Int) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		out = append(out, v.String())
	}
	return out
}
