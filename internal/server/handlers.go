package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/flordan/rolerunner/internal"
	"github.com/flordan/rolerunner/internal/container"
	"github.com/flordan/rolerunner/internal/image"
	"github.com/flordan/rolerunner/internal/protocol"
)

// Handles an images command.
func (s *Server) handleImages(conn net.Conn) {
	ids := s.runner.AvailableImages()

	images := make([]string, 0, len(ids))
	for _, id := range ids {
		images = append(images, id.String())
	}

	s.respond(conn, protocol.CmdOK, &protocol.ImagesResult{Images: images})
}

// Handles an image-available command.
func (s *Server) handleImageAvailable(conn net.Conn, payload json.RawMessage) {
	id, err := decodeImage(payload)
	if err != nil {
		s.respondError(conn, err)
		return
	}

	s.respond(conn, protocol.CmdOK, &protocol.AvailableResult{
		Image:     id.String(),
		Available: s.runner.IsImageAvailable(id),
	})
}

// Handles an image-fetch command.
//
// Responds once the fetch has been requested; the image arrives later.
func (s *Server) handleImageFetch(ctx context.Context, conn net.Conn, payload json.RawMessage) {
	id, err := decodeImage(payload)
	if err != nil {
		s.respondError(conn, err)
		return
	}

	if err := s.runner.FetchImage(ctx, id); err != nil {
		s.respondError(conn, err)
		return
	}

	s.respond(conn, protocol.CmdOK, nil)
}

// Handles a role-start command.
//
// Responds once the role has been requested; fetching the image and
// creating the container continue after the connection closes.
func (s *Server) handleRoleStart(ctx context.Context, conn net.Conn, payload json.RawMessage) {
	id, err := decodeImage(payload)
	if err != nil {
		s.respondError(conn, err)
		return
	}

	if err := s.runner.StartRole(ctx, id); err != nil {
		s.respondError(conn, err)
		return
	}

	s.respond(conn, protocol.CmdOK, nil)
}

// Handles a role-list command.
func (s *Server) handleRoleList(conn net.Conn) {
	s.respond(conn, protocol.CmdOK, &protocol.RolesResult{Roles: roles(s.runner.Roles())})
}

// Handles a role-stop command.
func (s *Server) handleRoleStop(ctx context.Context, conn net.Conn, payload json.RawMessage) {
	req, err := protocol.DecodePayload[protocol.RoleRequest](payload)
	if err != nil {
		s.respondError(conn, err)
		return
	}

	if err := s.runner.StopRole(ctx, req.Role); err != nil {
		s.respondError(conn, err)
		return
	}

	s.respond(conn, protocol.CmdOK, nil)
}

// Handles a role-destroy command.
func (s *Server) handleRoleDestroy(ctx context.Context, conn net.Conn, payload json.RawMessage) {
	req, err := protocol.DecodePayload[protocol.RoleRequest](payload)
	if err != nil {
		s.respondError(conn, err)
		return
	}

	if err := s.runner.DestroyRole(ctx, req.Role); err != nil {
		s.respondError(conn, err)
		return
	}

	s.respond(conn, protocol.CmdOK, nil)
}

// Handles a state command.
func (s *Server) handleState(conn net.Conn) {
	states, err := s.runner.Snapshot()
	if err != nil {
		s.respondError(conn, err)
		return
	}

	result := &protocol.StateResult{Images: make([]protocol.ImageState, 0, len(states))}
	for _, st := range states {
		result.Images = append(result.Images, protocol.ImageState{
			ID:         st.ID,
			Tags:       st.Tags,
			Containers: roles(st.Containers),
		})
	}

	s.respond(conn, protocol.CmdOK, result)
}

// Handles a status command.
func (s *Server) handleStatus(conn net.Conn) {
	s.mu.Lock()
	startedAt := s.startedAt
	s.mu.Unlock()

	uptime := time.Since(startedAt).Truncate(time.Second)

	s.respond(conn, protocol.CmdOK, &protocol.StatusResult{
		Running: true,
		Version: internal.VersionString(),
		Pid:     os.Getpid(),
		Uptime:  uptime.String(),
		Backend: s.backend,
		Roles:   len(s.runner.Roles()),
	})
}

// Handles a shutdown command.
func (s *Server) handleShutdown(conn net.Conn) {
	s.respond(conn, protocol.CmdOK, nil)
	slog.Info("shutdown requested")

	go func() {
		if err := s.Stop(); err != nil {
			slog.Error("shutdown failed", "error", err)
		}
	}()
}

// Decodes an image request and parses its reference.
func decodeImage(payload json.RawMessage) (image.Identifier, error) {
	req, err := protocol.DecodePayload[protocol.ImageRequest](payload)
	if err != nil {
		return image.Identifier{}, err
	}
	return image.Parse(req.Image)
}

// Converts container snapshots into their wire form.
func roles(infos []container.Info) []protocol.Role {
	out := make([]protocol.Role, 0, len(infos))
	for _, info := range infos {
		out = append(out, protocol.Role{
			ID:    info.ID,
			Name:  info.Name,
			Image: info.Image,
			State: info.State.String(),
		})
	}
	return out
}
