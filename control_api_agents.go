package main

import (
	"math/big"
	"net/http"
	"strings"

	"agentforge/pkg/marketplace"
	"agentforge/pkg/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
)

// agentView renders amounts as decimal strings; uint256 does not fit a JSON number.
type agentView struct {
	AgentID         uint64         `json:"agentId"`
	Name            string         `json:"name"`
	Description     string         `json:"description"`
	PrimaryGoal     string         `json:"primaryGoal"`
	CarvID          string         `json:"carvId"`
	Keywords        []string       `json:"keywords"`
	PricePerCall    string         `json:"pricePerCall"`
	PriceEther      string         `json:"priceEther"`
	ReceiverAddress common.Address `json:"receiverAddress"`
	Creator         common.Address `json:"creator"`
	IsActive        bool           `json:"isActive"`
	TotalCalls      uint64         `json:"totalCalls"`
	TotalEarnings   string         `json:"totalEarnings"`
}

func newAgentView(a marketplace.Agent) agentView {
	return agentView{
		AgentID:         a.AgentID,
		Name:            a.Name,
		Description:     a.Description,
		PrimaryGoal:     a.PrimaryGoal,
		CarvID:          a.CarvID.String(),
		Keywords:        a.Keywords,
		PricePerCall:    a.PricePerCall.String(),
		PriceEther:      state.FormatEther(a.PricePerCall),
		ReceiverAddress: a.ReceiverAddress,
		Creator:         a.Creator,
		IsActive:        a.IsActive,
		TotalCalls:      a.TotalCalls,
		TotalEarnings:   a.TotalEarnings.String(),
	}
}

type agentRequest struct {
	Name            string   `json:"name" validate:"max=256"`
	Description     string   `json:"description" validate:"max=4096"`
	PrimaryGoal     string   `json:"primary_goal" validate:"max=4096"`
	CarvID          string   `json:"carv_id"`
	Keywords        []string `json:"keywords" validate:"max=64,dive,max=128"`
	PricePerCall    string   `json:"price_per_call"`
	ReceiverAddress string   `json:"receiver_address" validate:"omitempty,eth_addr"`
}

func (req agentRequest) params() (marketplace.Params, error) {
	p := marketplace.Params{
		Name:         req.Name,
		Description:  req.Description,
		PrimaryGoal:  req.PrimaryGoal,
		Keywords:     req.Keywords,
		CarvID:       new(big.Int),
		PricePerCall: new(big.Int),
	}
	if strings.TrimSpace(req.CarvID) != "" {
		id, err := state.ParseBig(strings.TrimSpace(req.CarvID))
		if err != nil {
			return p, err
		}
		p.CarvID = id
	}
	if strings.TrimSpace(req.PricePerCall) != "" {
		price, err := state.ParseWei(req.PricePerCall)
		if err != nil {
			return p, err
		}
		p.PricePerCall = price
	}
	if req.ReceiverAddress != "" {
		p.ReceiverAddress = common.HexToAddress(req.ReceiverAddress)
	}
	return p, nil
}

func (c *controlAPIServer) registerAgentRoutes(r chi.Router) {
	r.Post("/agents", c.handleRegisterAgent)
	r.Get("/agents", c.handleListAgents)
	r.Get("/agents/search", c.handleSearchAgents)
	r.Get("/agents/{id}", c.handleGetAgent)
	r.Put("/agents/{id}", c.handleUpdateAgent)
	r.Post("/agents/{id}/call", c.handleCallAgent)
	r.Post("/agents/{id}/deactivate", c.handleDeactivateAgent)
	r.Post("/agents/{id}/reactivate", c.handleReactivateAgent)
	r.Get("/creators/{address}/agents", c.handleAgentsByCreator)
}

func (c *controlAPIServer) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	caller, ok := c.requireCaller(w, r)
	if !ok {
		return
	}
	var req agentRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	p, err := req.params()
	if err != nil {
		writeError(w, err)
		return
	}
	id, rc, err := c.node.agents.RegisterAgent(r.Context(), caller, p)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"agentId": id, "tx": rc})
}

func (c *controlAPIServer) handleUpdateAgent(w http.ResponseWriter, r *http.Request) {
	caller, ok := c.requireCaller(w, r)
	if !ok {
		return
	}
	id, err := pathAgentID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req agentRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	p, err := req.params()
	if err != nil {
		writeError(w, err)
		return
	}
	rc, err := c.node.agents.UpdateAgent(r.Context(), caller, id, p)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tx": rc})
}

func (c *controlAPIServer) handleCallAgent(w http.ResponseWriter, r *http.Request) {
	caller, ok := c.requireCaller(w, r)
	if !ok {
		return
	}
	id, err := pathAgentID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		Value string `json:"value"`
	}
	if !decodeAndValidate(w, r, &req) {
		return
	}
	value := new(big.Int)
	if strings.TrimSpace(req.Value) != "" {
		if value, err = state.ParseWei(req.Value); err != nil {
			writeError(w, err)
			return
		}
	}
	rc, err := c.node.agents.CallAgent(r.Context(), caller, id, value)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tx": rc})
}

func (c *controlAPIServer) handleDeactivateAgent(w http.ResponseWriter, r *http.Request) {
	c.handleAgentStatus(w, r, false)
}

func (c *controlAPIServer) handleReactivateAgent(w http.ResponseWriter, r *http.Request) {
	c.handleAgentStatus(w, r, true)
}

func (c *controlAPIServer) handleAgentStatus(w http.ResponseWriter, r *http.Request, active bool) {
	caller, ok := c.requireCaller(w, r)
	if !ok {
		return
	}
	id, err := pathAgentID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var rc *state.Receipt
	if active {
		rc, err = c.node.agents.ReactivateAgent(r.Context(), caller, id)
	} else {
		rc, err = c.node.agents.DeactivateAgent(r.Context(), caller, id)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"isActive": active, "tx": rc})
}

func (c *controlAPIServer) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	id, err := pathAgentID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	a, err := c.node.agents.GetAgent(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newAgentView(a))
}

func (c *controlAPIServer) handleListAgents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	offset := parseOffset(q.Get("offset"))
	limit := parseLimit(q.Get("limit"), 50, 200)
	items, err := c.node.agents.ListAgents(r.Context(), offset, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	total, err := c.node.agents.AgentCount(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	views := make([]agentView, 0, len(items))
	for _, a := range items {
		views = append(views, newAgentView(a))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"total": total, "count": len(views), "items": views})
}

func (c *controlAPIServer) handleSearchAgents(w http.ResponseWriter, r *http.Request) {
	keyword := r.URL.Query().Get("keyword")
	ids, err := c.node.agents.SearchAgentsByKeyword(r.Context(), keyword)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"keyword": keyword, "count": len(ids), "agentIds": ids})
}

func (c *controlAPIServer) handleAgentsByCreator(w http.ResponseWriter, r *http.Request) {
	creator, err := pathAddress(r)
	if err != nil {
		writeError(w, err)
		return
	}
	ids, err := c.node.agents.GetAgentsByCreator(r.Context(), creator)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"creator": creator, "count": len(ids), "agentIds": ids})
}

func (c *controlAPIServer) handleAgentsByCarvID(w http.ResponseWriter, r *http.Request) {
	id, err := pathCarvID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	ids, err := c.node.agents.GetAgentsByCarvId(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"carvId": id.String(), "count": len(ids), "agentIds": ids})
}
