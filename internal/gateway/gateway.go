// Package gateway exposes the identity and quota queries of an
// [auth.Authorizer] as RPC methods.
package gateway

import (
	"context"
	"errors"
	"log/slog"

	"github.com/floss-uz-community/funksiyachi"
	"github.com/floss-uz-community/funksiyachi/pkg/auth"
)

const (
	MethodWhoAmI       = "Auth.WhoAmI"
	MethodListProjects = "Auth.ListProjects"
	MethodCheckUpload  = "Auth.CheckUpload"
)

// CredentialArgs carries a GitHub credential, `username:token` or a
// bare token.
type CredentialArgs struct {
	Credential string `cbor:"credential"`
}

type WhoAmIReply struct {
	Username string `cbor:"username"`
	Verified bool   `cbor:"verified"`
}

type ListProjectsReply struct {
	Username string   `cbor:"username"`
	Projects []string `cbor:"projects"`
	Limit    int      `cbor:"limit"`
}

type CheckUploadArgs struct {
	Credential string `cbor:"credential"`
	Project    string `cbor:"project"`
}

type CheckUploadReply struct {
	Username string `cbor:"username"`
	Allowed  bool   `cbor:"allowed"`
	Reason   string `cbor:"reason,omitempty"`
}

// Registrar is where handlers get registered. [*funksiyachi.Server]
// satisfies it.
type Registrar interface {
	Handle(method string, h funksiyachi.Handler)
}

type gateway struct {
	authz  *auth.Authorizer
	logger *slog.Logger
	limit  int
}

// Register installs the Auth.* methods on r. limit is only reported to
// clients, the authorizer enforces its own.
func Register(r Registrar, authz *auth.Authorizer, limit int, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	g := &gateway{authz: authz, logger: logger, limit: limit}

	r.Handle(MethodWhoAmI, g.whoAmI)
	r.Handle(MethodListProjects, g.listProjects)
	r.Handle(MethodCheckUpload, g.checkUpload)
}

// whoAmI never fails on a bad credential, it reports it.
func (g *gateway) whoAmI(ctx context.Context, req *funksiyachi.Request) (any, error) {
	var args CredentialArgs
	if err := req.Decode(&args); err != nil {
		return nil, err
	}

	username, ok := g.authz.Authenticate(ctx, args.Credential)
	return WhoAmIReply{Username: username, Verified: ok}, nil
}

func (g *gateway) listProjects(ctx context.Context, req *funksiyachi.Request) (any, error) {
	var args CredentialArgs
	if err := req.Decode(&args); err != nil {
		return nil, err
	}

	username, ok := g.authz.Authenticate(ctx, args.Credential)
	if !ok {
		return nil, auth.ErrUnauthorized
	}

	projects, _ := g.authz.UserProjects(username)
	if projects == nil {
		projects = []string{}
	}
	return ListProjectsReply{Username: username, Projects: projects, Limit: g.limit}, nil
}

func (g *gateway) checkUpload(ctx context.Context, req *funksiyachi.Request) (any, error) {
	var args CheckUploadArgs
	if err := req.Decode(&args); err != nil {
		return nil, err
	}
	if args.Project == "" {
		return nil, errors.New("project name is required")
	}

	username, err := g.authz.Authorize(ctx, args.Credential, args.Project)
	switch {
	case err == nil:
		return CheckUploadReply{Username: username, Allowed: true}, nil
	case errors.Is(err, auth.ErrQuotaExceeded):
		g.logger.Debug("upload refused", "username", username, "project", args.Project)
		return CheckUploadReply{Username: username, Allowed: false, Reason: err.Error()}, nil
	default:
		return nil, err
	}
}

// WhoAmI asks the server who owns credential.
func WhoAmI(ctx context.Context, c *funksiyachi.Client, credential string) (WhoAmIReply, error) {
	var reply WhoAmIReply
	err := c.Call(ctx, MethodWhoAmI, CredentialArgs{Credential: credential}, &reply)
	return reply, err
}

// ListProjects returns the projects owned by the credential's user.
func ListProjects(ctx context.Context, c *funksiyachi.Client, credential string) (ListProjectsReply, error) {
	var reply ListProjectsReply
	err := c.Call(ctx, MethodListProjects, CredentialArgs{Credential: credential}, &reply)
	return reply, err
}

// CheckUpload tells whether deploying project with credential would be
// accepted.
func CheckUpload(ctx context.Context, c *funksiyachi.Client, credential, project string) (CheckUploadReply, error) {
	var reply CheckUploadReply
	err := c.Call(ctx, MethodCheckUpload, CheckUploadArgs{Credential: credential, Project: project}, &reply)
	return reply, err
}
