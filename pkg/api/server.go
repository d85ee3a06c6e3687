// Package api exposes every dispatcher command as a JSON HTTP endpoint.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"wcfbridge/pkg/dispatch"
	"wcfbridge/pkg/media"
	"wcfbridge/pkg/sdk"
)

const maxBodyBytes = 32 << 20

// Envelope wraps every JSON answer. Status is 0 on success and 1 on failure;
// Kind carries the failure category.
type Envelope struct {
	Status int    `json:"status"`
	Error  string `json:"error,omitempty"`
	Kind   string `json:"kind,omitempty"`
	Data   any    `json:"data,omitempty"`
}

// Options configures a Server.
type Options struct {
	// MediaDir receives images materialized from URLs or base64 bodies.
	// Defaults to ./media.
	MediaDir string
	// HTTPClient fetches remote images. Defaults to a 30s client.
	HTTPClient *http.Client
	// DownloadRoots limits /download-file to attachments under these
	// directories. Empty serves any path the SDK downloaded to.
	DownloadRoots []string
}

// Server routes HTTP requests onto a Dispatcher.
type Server struct {
	dispatcher *dispatch.Dispatcher
	opts       Options
	log        *slog.Logger
	media      *media.Store
	mux        *http.ServeMux
	routes     []route
}

type route struct {
	Method      string               `json:"method"`
	Path        string               `json:"path"`
	Kind        dispatch.CommandKind `json:"kind"`
	Query       []string             `json:"query,omitempty"`
	Body        any                  `json:"body,omitempty"`
	Description string               `json:"description"`

	handler http.HandlerFunc
}

func New(d *dispatch.Dispatcher, opts Options, log *slog.Logger) (*Server, error) {
	if log == nil {
		log = slog.Default()
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}

	store, err := media.NewStore(opts.MediaDir)
	if err != nil {
		return nil, fmt.Errorf("open media store: %w", err)
	}

	s := &Server{
		dispatcher: d,
		opts:       opts,
		log:        log.With("component", "api.server"),
		media:      store,
		mux:        http.NewServeMux(),
	}
	s.routes = s.buildRoutes()
	for _, r := range s.routes {
		s.mux.HandleFunc(r.Method+" "+r.Path, r.handler)
	}
	s.mux.HandleFunc("GET /api-doc.json", s.handleDoc)
	s.mux.HandleFunc("GET /media/files/{name}", s.serveMedia)
	return s, nil
}

// Handle mounts an extra handler next to the command routes.
func (s *Server) Handle(pattern string, handler http.Handler) {
	s.mux.Handle(pattern, handler)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) buildRoutes() []route {
	return []route{
		get("/qrcode", dispatch.KindRefreshQrcode, nil, s.query(func(ctx context.Context, _ *http.Request) (any, error) {
			return s.dispatcher.RefreshQrcode(ctx)
		})),
		get("/islogin", dispatch.KindIsLogin, nil, s.query(func(ctx context.Context, _ *http.Request) (any, error) {
			return s.dispatcher.IsLogin(ctx)
		})),
		get("/selfwxid", dispatch.KindSelfWxid, nil, s.query(func(ctx context.Context, _ *http.Request) (any, error) {
			return s.dispatcher.SelfWxid(ctx)
		})),
		get("/userinfo", dispatch.KindUserInfo, nil, s.query(func(ctx context.Context, _ *http.Request) (any, error) {
			return s.dispatcher.UserInfo(ctx)
		})),
		get("/contacts", dispatch.KindContacts, nil, s.query(func(ctx context.Context, _ *http.Request) (any, error) {
			return s.dispatcher.Contacts(ctx)
		})),
		get("/dbs", dispatch.KindDbNames, nil, s.query(func(ctx context.Context, _ *http.Request) (any, error) {
			return s.dispatcher.DbNames(ctx)
		})),
		get("/{db}/tables", dispatch.KindDbTables, nil, s.query(func(ctx context.Context, r *http.Request) (any, error) {
			return s.dispatcher.DbTables(ctx, r.PathValue("db"))
		})),
		get("/msg-types", dispatch.KindMsgTypes, nil, s.query(func(ctx context.Context, _ *http.Request) (any, error) {
			return s.dispatcher.MsgTypes(ctx)
		})),
		get("/pyq", dispatch.KindRefreshPyq, []string{"id"}, s.query(func(ctx context.Context, r *http.Request) (any, error) {
			id, err := queryUint(r, "id")
			if err != nil {
				return nil, err
			}
			return true, s.dispatcher.RefreshPyq(ctx, id)
		})),
		post("/text", dispatch.KindSendText, sdk.TextMsg{}, command(s, s.dispatcher.SendText)),
		post("/image", dispatch.KindSendImage, imageRequest{}, withBody(s, s.sendImage)),
		post("/file", dispatch.KindSendFile, sdk.PathMsg{}, command(s, s.dispatcher.SendFile)),
		post("/rich-text", dispatch.KindSendRichText, sdk.RichText{}, command(s, s.dispatcher.SendRichText)),
		post("/pat", dispatch.KindSendPat, sdk.PatMsg{}, command(s, s.dispatcher.SendPat)),
		post("/forward-msg", dispatch.KindForwardMsg, sdk.ForwardMsg{}, command(s, s.dispatcher.ForwardMsg)),
		post("/audio", dispatch.KindSaveAudio, sdk.AudioMsg{}, withBody(s, func(ctx context.Context, msg sdk.AudioMsg) (any, error) {
			return s.dispatcher.SaveAudio(ctx, msg)
		})),
		post("/save-image", dispatch.KindDecryptImage, saveImageRequest{}, withBody(s, func(ctx context.Context, req saveImageRequest) (any, error) {
			return s.dispatcher.SaveImage(ctx, req.ID, req.Extra, req.Dir, time.Duration(req.Timeout)*time.Second)
		})),
		post("/save-file", dispatch.KindDownloadAttach, saveFileRequest{}, withBody(s, func(ctx context.Context, req saveFileRequest) (any, error) {
			if err := s.dispatcher.DownloadAttach(ctx, sdk.AttachMsg{ID: req.ID, Thumb: req.Thumb, Extra: req.Extra}); err != nil {
				return nil, err
			}
			return "ok", nil
		})),
		post("/receive-transfer", dispatch.KindReceiveTransfer, sdk.Transfer{}, command(s, s.dispatcher.ReceiveTransfer)),
		post("/sql", dispatch.KindQuerySQL, sdk.DbQuery{}, withBody(s, func(ctx context.Context, q sdk.DbQuery) (any, error) {
			return s.dispatcher.QuerySQL(ctx, q)
		})),
		post("/accept-new-friend", dispatch.KindAcceptFriend, sdk.Verification{}, command(s, s.dispatcher.AcceptNewFriend)),
		post("/add-chatroom-member", dispatch.KindAddRoomMembers, sdk.MemberMgmt{}, command(s, s.dispatcher.AddChatroomMembers)),
		post("/invite-chatroom-member", dispatch.KindInviteRoomMembers, sdk.MemberMgmt{}, command(s, s.dispatcher.InviteChatroomMembers)),
		post("/delete-chatroom-member", dispatch.KindDelRoomMembers, sdk.MemberMgmt{}, command(s, s.dispatcher.DeleteChatroomMembers)),
		{
			Method: http.MethodPost, Path: "/revoke-msg", Kind: dispatch.KindRevokeMsg, Query: []string{"id"},
			handler: s.query(func(ctx context.Context, r *http.Request) (any, error) {
				id, err := queryUint(r, "id")
				if err != nil {
					return nil, err
				}
				return true, s.dispatcher.RevokeMsg(ctx, id)
			}),
		},
		get("/query-room-member", dispatch.KindQueryRoomMember, []string{"roomid", "wxids"}, s.query(func(ctx context.Context, r *http.Request) (any, error) {
			q := r.URL.Query()
			roomid := q.Get("roomid")
			if roomid == "" {
				roomid = q.Get("room_id")
			}
			return s.dispatcher.QueryRoomMember(ctx, roomid, splitCSV(q.Get("wxids")))
		})),
		get("/download-image", dispatch.KindDecryptImage, []string{"id", "extra", "dir", "timeout"}, s.downloadImage),
		get("/download-file", dispatch.KindDownloadAttach, []string{"id", "extra", "thumb"}, s.downloadFile),
	}
}

func get(path string, kind dispatch.CommandKind, query []string, h http.HandlerFunc) route {
	return route{Method: http.MethodGet, Path: path, Kind: kind, Query: query, handler: h}
}

func post(path string, kind dispatch.CommandKind, body any, h http.HandlerFunc) route {
	return route{Method: http.MethodPost, Path: path, Kind: kind, Body: body, handler: h}
}

// query adapts a handler that reads the URL into the envelope.
func (s *Server) query(fn func(context.Context, *http.Request) (any, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data, err := fn(r.Context(), r)
		s.reply(w, r, data, err)
	}
}

// withBody decodes a strict JSON body of type T before calling fn.
func withBody[T any](s *Server, fn func(context.Context, T) (any, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := decodeBody[T](r)
		if err != nil {
			s.reply(w, r, nil, invalid(err))
			return
		}
		data, err := fn(r.Context(), body)
		s.reply(w, r, data, err)
	}
}

// command serves commands whose only outcome is success or failure.
func command[T any](s *Server, fn func(context.Context, T) error) http.HandlerFunc {
	return withBody(s, func(ctx context.Context, body T) (any, error) {
		if err := fn(ctx, body); err != nil {
			return nil, err
		}
		return true, nil
	})
}

func decodeBody[T any](r *http.Request) (T, error) {
	var body T
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		return body, fmt.Errorf("decode request body: %w", err)
	}
	return body, nil
}

// requestError is a malformed request that never reached the dispatcher.
type requestError struct {
	err error
}

func (e *requestError) Error() string { return e.err.Error() }

func (e *requestError) Unwrap() error { return e.err }

func invalid(err error) error {
	return &requestError{err: err}
}

func kindOf(err error) string {
	var reqErr *requestError
	if errors.As(err, &reqErr) {
		return string(dispatch.KindInvalid)
	}
	return string(dispatch.KindOf(err))
}

func (s *Server) reply(w http.ResponseWriter, r *http.Request, data any, err error) {
	if err != nil {
		kind := kindOf(err)
		s.log.Warn("Request failed", "method", r.Method, "path", r.URL.Path, "kind", kind, "error", err)
		writeJSON(w, s.log, Envelope{Status: 1, Error: err.Error(), Kind: kind})
		return
	}
	writeJSON(w, s.log, Envelope{Status: 0, Data: data})
}

func writeJSON(w http.ResponseWriter, log *slog.Logger, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Error("Failed to write response", "error", err)
	}
}

func queryUint(r *http.Request, name string) (uint64, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return 0, invalid(fmt.Errorf("%s is required", name))
	}
	value, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, invalid(fmt.Errorf("%s must be an unsigned integer", name))
	}
	return value, nil
}

func splitCSV(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func (s *Server) handleDoc(w http.ResponseWriter, _ *http.Request) {
	type docRoute struct {
		route
		Func   string `json:"func"`
		Sample any    `json:"sample,omitempty"`
	}

	doc := make([]docRoute, 0, len(s.routes))
	for _, r := range s.routes {
		entry := docRoute{route: r}
		if spec, ok := dispatch.Lookup(r.Kind); ok {
			entry.Func = spec.FuncName
			entry.Sample = spec.Sample
			if entry.Description == "" {
				entry.Description = spec.Description
			}
		}
		doc = append(doc, entry)
	}

	writeJSON(w, s.log, map[string]any{
		"title":  "wcfbridge",
		"routes": doc,
	})
}
