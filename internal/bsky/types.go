package bsky

import (
	"fmt"

	"github.com/artifish/skygraph/internal/graph"
)

// XRPC endpoints consumed by the crawler. The full API surface is much
// larger; only profile lookup and graph enumeration are needed here.
const (
	epGetProfile    = "app.bsky.actor.getProfile"
	epGetFollows    = "app.bsky.graph.getFollows"
	epGetFollowers  = "app.bsky.graph.getFollowers"
	epCreateSession = "com.atproto.server.createSession"
)

// profileView is the subset of an actor profile the crawler consumes.
type profileView struct {
	DID         string `json:"did"`
	Handle      string `json:"handle"`
	DisplayName string `json:"displayName"`
	Description string `json:"description"`
	Avatar      string `json:"avatar"`
}

// toAccount validates the wire shape into a fixed-shape Account. A missing
// DID or handle is a malformed response, never silently defaulted.
func (p profileView) toAccount() (graph.Account, error) {
	if p.DID == "" {
		return graph.Account{}, fmt.Errorf("profile view missing did")
	}
	if p.Handle == "" {
		return graph.Account{}, fmt.Errorf("profile view for %s missing handle", p.DID)
	}
	return graph.Account{
		DID:         p.DID,
		Handle:      p.Handle,
		DisplayName: p.DisplayName,
		Bio:         p.Description,
		AvatarURL:   p.Avatar,
	}, nil
}

type followsResponse struct {
	Subject profileView   `json:"subject"`
	Follows []profileView `json:"follows"`
	Cursor  string        `json:"cursor"`
}

type followersResponse struct {
	Subject   profileView   `json:"subject"`
	Followers []profileView `json:"followers"`
	Cursor    string        `json:"cursor"`
}

type sessionResponse struct {
	AccessJwt  string `json:"accessJwt"`
	RefreshJwt string `json:"refreshJwt"`
	DID        string `json:"did"`
	Handle     string `json:"handle"`
}

// xrpcError is the standard error body returned by the PDS.
type xrpcError struct {
	Name    string `json:"error"`
	Message string `json:"message"`
}

func toPage(items []profileView, cursor, op string) (graph.FollowPage, error) {
	page := graph.FollowPage{Cursor: cursor, Accounts: make([]graph.Account, 0, len(items))}
	for _, item := range items {
		acct, err := item.toAccount()
		if err != nil {
			return graph.FollowPage{}, graph.NewError(graph.KindDataIntegrity, op, err)
		}
		page.Accounts = append(page.Accounts, acct)
	}
	return page, nil
}
