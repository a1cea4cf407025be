package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/groupcord/backend/auth"
	"github.com/groupcord/backend/model"
	"github.com/rs/zerolog"
)

const (
	defaultShutdownDeadline = 10 * time.Second

	xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

type (
	Authenticator interface {
		Register(ctx context.Context, username, password string) error
		Login(ctx context.Context, username, password string) (string, string, *model.Identity, error)
		Logout(sessionID string)
		UpdatePassword(ctx context.Context, username, password string) error
		SetSecurityQuestion(ctx context.Context, username, question, answer string) error
		UpdateSecurityQuestion(ctx context.Context, username, question, answer string) error
		SecurityQuestion(ctx context.Context, username string) (string, error)
		VerifyAnswer(ctx context.Context, username, answer string) (bool, error)
	}

	UserStore interface {
		UserByUsername(ctx context.Context, username string) (*model.User, error)
		UpdateUserDetails(ctx context.Context, username, birthday, interests string) error
	}

	IdentityBinder interface {
		Resolve(r *http.Request) *model.Identity
	}

	ChatService interface {
		MessagesByRoom(ctx context.Context, roomID int) ([]model.Message, error)
		JoinRoom(ctx context.Context, roomID int, username string) error
		LeaveRoom(ctx context.Context, roomID int, username string) error
		RoomMembers(ctx context.Context, roomID int) ([]string, error)
		JoinGroup(ctx context.Context, groupID int, username string) error
		LeaveGroup(ctx context.Context, groupID int, username string) error
		GroupMembers(ctx context.Context, groupID int) ([]string, error)
		RoomsByGroup(ctx context.Context, groupID int) ([]model.Room, error)
	}

	ExportService interface {
		ExportRoomHistory(ctx context.Context, roomID int) ([]byte, error)
		CreateSignedExport(ctx context.Context, roomID int, username, fileName string) (*model.ExportRecord, error)
		FetchVerifiedExport(ctx context.Context, username, fileName string) ([]byte, error)
		ListExports(ctx context.Context, username string) ([]model.ExportRecord, error)
	}

	Config struct {
		Logger        *zerolog.Logger
		Authenticator Authenticator
		Binder        IdentityBinder
		ChatService   ChatService
		ExportService ExportService
		Users         UserStore
		ListenAddr    string
	}

	Server struct {
		logger   zerolog.Logger
		authn    Authenticator
		binder   IdentityBinder
		svc      ChatService
		exporter ExportService
		users    UserStore
		*http.Server
	}
)

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token    string `json:"token"`
	Username string `json:"username"`
}

type roomRequest struct {
	RoomID   int    `json:"roomId"`
	Username string `json:"username,omitempty"`
}

type groupRequest struct {
	GroupID  int    `json:"groupId"`
	Username string `json:"username,omitempty"`
}

type fileRequest struct {
	RoomID   int    `json:"roomId,omitempty"`
	Username string `json:"username"`
	FileName string `json:"fileName"`
}

type securityQuestionRequest struct {
	Username string `json:"username"`
	Question string `json:"question,omitempty"`
	Answer   string `json:"answer,omitempty"`
}

type userDetailsRequest struct {
	Username  string `json:"username"`
	Birthday  string `json:"birthday"`
	Interests string `json:"interests"`
}

type GenericResponse struct {
	Message string      `json:"message,omitempty"`
	Error   string      `json:"error,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger:   cfg.Logger.With().Str("component", "api-server").Logger(),
		authn:    cfg.Authenticator,
		binder:   cfg.Binder,
		svc:      cfg.ChatService,
		exporter: cfg.ExportService,
		users:    cfg.Users,
	}

	r := http.NewServeMux()
	r.HandleFunc("POST /register", srv.register)
	r.HandleFunc("POST /login", srv.login)
	r.HandleFunc("POST /logout", srv.logout)
	r.HandleFunc("POST /check-session", srv.checkSession)
	r.HandleFunc("POST /me", srv.me)
	r.HandleFunc("POST /update-password", srv.updatePassword)
	r.HandleFunc("POST /find-by-username", srv.findByUsername)
	r.HandleFunc("POST /update-user-details", srv.updateUserDetails)
	r.HandleFunc("POST /add-security-question", srv.addSecurityQuestion)
	r.HandleFunc("POST /modify-security-question", srv.modifySecurityQuestion)
	r.HandleFunc("POST /get-question", srv.getQuestion)
	r.HandleFunc("POST /verify-answer", srv.verifyAnswer)
	r.HandleFunc("POST /get-messages", srv.getMessages)
	r.HandleFunc("POST /export-chat-history", srv.exportChatHistory)
	r.HandleFunc("POST /sign-chat-history", srv.signChatHistory)
	r.HandleFunc("POST /get-signed-file", srv.getSignedFile)
	r.HandleFunc("POST /get-user-files", srv.getUserFiles)
	r.HandleFunc("POST /room/join", srv.joinRoom)
	r.HandleFunc("POST /room/leave", srv.leaveRoom)
	r.HandleFunc("POST /room/members", srv.roomMembers)
	r.HandleFunc("POST /group/join", srv.joinGroup)
	r.HandleFunc("POST /group/leave", srv.leaveGroup)
	r.HandleFunc("POST /group/members", srv.groupMembers)
	r.HandleFunc("POST /group/rooms", srv.roomsByGroup)
	r.HandleFunc("OPTIONS /", corsHandler)

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: r,
	}
	return srv
}

func corsHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
	w.Header().Set("Access-Control-Max-Age", "86400")
	w.Header().Set("Access-Control-Allow-Credentials", "true")
	w.WriteHeader(http.StatusNoContent)
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	hErr := make(chan error)
	go func() {
		hErr <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-hErr:
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Join(ErrUnexpected, err)
		}
	case <-ctx.Done():
		shCtx, shCancel := context.WithTimeout(context.Background(), defaultShutdownDeadline)
		defer shCancel()
		if err := srv.Shutdown(shCtx); err != nil {
			srv.logger.Error().Err(err).Msg("server shutdown failed")
		}
	}
}

func decodeBody(r *http.Request, dst any) error {
	body, err := io.ReadAll(r.Body)
	defer func() {
		_ = r.Body.Close()
	}()
	if err != nil {
		return err
	}
	return json.Unmarshal(body, dst)
}

// requireIdentity resolves the caller's identity or writes a 401.
func (srv *Server) requireIdentity(w http.ResponseWriter, r *http.Request) *model.Identity {
	ident := srv.binder.Resolve(r)
	if ident == nil {
		srv.writeJSON(w, http.StatusUnauthorized, &GenericResponse{Error: "authentication required"})
		return nil
	}
	return ident
}

func (srv *Server) register(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	var req credentialsRequest
	if err := decodeBody(r, &req); err != nil || req.Username == "" || req.Password == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if err := srv.authn.Register(r.Context(), req.Username, req.Password); err != nil {
		srv.writeJSON(w, http.StatusConflict, &GenericResponse{Error: err.Error()})
		return
	}
	srv.writeJSON(w, http.StatusOK, &GenericResponse{Message: "OK"})
}

func (srv *Server) login(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	var req credentialsRequest
	if err := decodeBody(r, &req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	token, sessionID, ident, err := srv.authn.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		srv.writeJSON(w, http.StatusUnauthorized, &GenericResponse{Error: err.Error()})
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     auth.SessionCookie,
		Value:    sessionID,
		Path:     "/",
		HttpOnly: true,
	})
	srv.writeJSON(w, http.StatusOK, &GenericResponse{
		Message: "OK",
		Data:    loginResponse{Token: token, Username: ident.Username},
	})
}

func (srv *Server) logout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(auth.SessionCookie); err == nil {
		srv.authn.Logout(cookie.Value)
	}
	http.SetCookie(w, &http.Cookie{
		Name:   auth.SessionCookie,
		Value:  "",
		Path:   "/",
		MaxAge: -1,
	})
	srv.writeJSON(w, http.StatusOK, &GenericResponse{Message: "OK"})
}

// checkSession answers "1" when the request carries a live credential and
// "0" otherwise.
func (srv *Server) checkSession(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	status := "0"
	if srv.binder.Resolve(r) != nil {
		status = "1"
	}
	srv.writeBytes(w, http.StatusOK, []byte(status))
}

// me returns the identity behind the request's credential material.
func (srv *Server) me(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	ident := srv.requireIdentity(w, r)
	if ident == nil {
		return
	}
	srv.writeJSON(w, http.StatusOK, ident)
}

// updatePassword is part of the recovery flow and intentionally takes no
// credential: clients gate it behind verify-answer.
func (srv *Server) updatePassword(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	var req credentialsRequest
	if err := decodeBody(r, &req); err != nil || req.Username == "" || req.Password == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if err := srv.authn.UpdatePassword(r.Context(), req.Username, req.Password); err != nil {
		srv.writeJSON(w, http.StatusBadRequest, &GenericResponse{Error: err.Error()})
		return
	}
	srv.writeJSON(w, http.StatusOK, &GenericResponse{Message: "OK"})
}

func (srv *Server) findByUsername(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	if srv.requireIdentity(w, r) == nil {
		return
	}
	var req securityQuestionRequest
	if err := decodeBody(r, &req); err != nil || req.Username == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	user, err := srv.users.UserByUsername(r.Context(), req.Username)
	if err != nil {
		srv.writeJSON(w, http.StatusNotFound, &GenericResponse{Error: "user not found"})
		return
	}
	srv.writeJSON(w, http.StatusOK, user)
}

func (srv *Server) updateUserDetails(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	ident := srv.requireIdentity(w, r)
	if ident == nil {
		return
	}
	var req userDetailsRequest
	if err := decodeBody(r, &req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	username := req.Username
	if username == "" {
		username = ident.Username
	}
	if err := srv.users.UpdateUserDetails(r.Context(), username, req.Birthday, req.Interests); err != nil {
		srv.writeJSON(w, http.StatusNotFound, &GenericResponse{Error: err.Error()})
		return
	}
	srv.writeJSON(w, http.StatusOK, &GenericResponse{Message: "OK"})
}

func (srv *Server) addSecurityQuestion(w http.ResponseWriter, r *http.Request) {
	srv.securityQuestion(w, r, srv.authn.SetSecurityQuestion)
}

func (srv *Server) modifySecurityQuestion(w http.ResponseWriter, r *http.Request) {
	srv.securityQuestion(w, r, srv.authn.UpdateSecurityQuestion)
}

func (srv *Server) securityQuestion(
	w http.ResponseWriter,
	r *http.Request,
	op func(ctx context.Context, username, question, answer string) error,
) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	var req securityQuestionRequest
	if err := decodeBody(r, &req); err != nil || req.Username == "" || req.Question == "" || req.Answer == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if err := op(r.Context(), req.Username, req.Question, req.Answer); err != nil {
		srv.writeJSON(w, http.StatusBadRequest, &GenericResponse{Error: err.Error()})
		return
	}
	srv.writeJSON(w, http.StatusOK, &GenericResponse{Message: "OK"})
}

func (srv *Server) getQuestion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	var req securityQuestionRequest
	if err := decodeBody(r, &req); err != nil || req.Username == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	question, err := srv.authn.SecurityQuestion(r.Context(), req.Username)
	if err != nil {
		srv.writeJSON(w, http.StatusNotFound, &GenericResponse{Error: err.Error()})
		return
	}
	srv.writeJSON(w, http.StatusOK, &GenericResponse{Message: "OK", Data: question})
}

func (srv *Server) verifyAnswer(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	var req securityQuestionRequest
	if err := decodeBody(r, &req); err != nil || req.Username == "" || req.Answer == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	correct, err := srv.authn.VerifyAnswer(r.Context(), req.Username, req.Answer)
	if err != nil {
		srv.writeJSON(w, http.StatusNotFound, &GenericResponse{Error: err.Error()})
		return
	}
	srv.writeJSON(w, http.StatusOK, correct)
}

func (srv *Server) getMessages(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	if srv.requireIdentity(w, r) == nil {
		return
	}
	var req roomRequest
	if err := decodeBody(r, &req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	messages, err := srv.svc.MessagesByRoom(r.Context(), req.RoomID)
	if err != nil {
		srv.writeJSON(w, http.StatusInternalServerError, &GenericResponse{Error: err.Error()})
		return
	}
	srv.writeJSON(w, http.StatusOK, messages)
}

func (srv *Server) exportChatHistory(w http.ResponseWriter, r *http.Request) {
	if srv.requireIdentity(w, r) == nil {
		return
	}
	var req roomRequest
	if err := decodeBody(r, &req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	workbook, err := srv.exporter.ExportRoomHistory(r.Context(), req.RoomID)
	if err != nil {
		srv.logger.Error().Err(err).Int("roomID", req.RoomID).Msg("export failed")
		srv.writeJSON(w, http.StatusInternalServerError, &GenericResponse{Error: err.Error()})
		return
	}
	w.Header().Set("Content-Type", xlsxContentType)
	w.Header().Set("Content-Disposition", `attachment; filename="chat_history.xlsx"`)
	w.Header().Set("Content-Length", strconv.Itoa(len(workbook)))
	w.WriteHeader(http.StatusOK)
	if _, err = w.Write(workbook); err != nil {
		srv.logger.Error().Err(err).Msg("failed to write response")
	}
}

func (srv *Server) signChatHistory(w http.ResponseWriter, r *http.Request) {
	ident := srv.requireIdentity(w, r)
	if ident == nil {
		return
	}
	var req fileRequest
	if err := decodeBody(r, &req); err != nil || req.FileName == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	record, err := srv.exporter.CreateSignedExport(r.Context(), req.RoomID, ident.Username, req.FileName)
	if err != nil {
		srv.writeJSON(w, http.StatusInternalServerError, &GenericResponse{Error: err.Error()})
		return
	}
	srv.writeJSON(w, http.StatusOK, &GenericResponse{Message: "OK", Data: record})
}

func (srv *Server) getSignedFile(w http.ResponseWriter, r *http.Request) {
	if srv.requireIdentity(w, r) == nil {
		return
	}
	var req fileRequest
	if err := decodeBody(r, &req); err != nil || req.FileName == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	workbook, err := srv.exporter.FetchVerifiedExport(r.Context(), req.Username, req.FileName)
	if err != nil {
		srv.writeJSON(w, http.StatusConflict, &GenericResponse{Error: err.Error()})
		return
	}
	w.Header().Set("Content-Type", xlsxContentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+req.FileName+`"`)
	w.Header().Set("Content-Length", strconv.Itoa(len(workbook)))
	w.WriteHeader(http.StatusOK)
	if _, err = w.Write(workbook); err != nil {
		srv.logger.Error().Err(err).Msg("failed to write response")
	}
}

func (srv *Server) getUserFiles(w http.ResponseWriter, r *http.Request) {
	ident := srv.requireIdentity(w, r)
	if ident == nil {
		return
	}
	records, err := srv.exporter.ListExports(r.Context(), ident.Username)
	if err != nil {
		srv.writeJSON(w, http.StatusInternalServerError, &GenericResponse{Error: err.Error()})
		return
	}
	srv.writeJSON(w, http.StatusOK, records)
}

func (srv *Server) joinRoom(w http.ResponseWriter, r *http.Request) {
	srv.membership(w, r, srv.svc.JoinRoom)
}

func (srv *Server) leaveRoom(w http.ResponseWriter, r *http.Request) {
	srv.membership(w, r, srv.svc.LeaveRoom)
}

func (srv *Server) membership(
	w http.ResponseWriter,
	r *http.Request,
	op func(ctx context.Context, roomID int, username string) error,
) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	ident := srv.requireIdentity(w, r)
	if ident == nil {
		return
	}
	var req roomRequest
	if err := decodeBody(r, &req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	username := req.Username
	if username == "" {
		username = ident.Username
	}
	if err := op(r.Context(), req.RoomID, username); err != nil {
		srv.writeJSON(w, http.StatusConflict, &GenericResponse{Error: err.Error()})
		return
	}
	srv.writeJSON(w, http.StatusOK, &GenericResponse{Message: "OK"})
}

func (srv *Server) roomMembers(w http.ResponseWriter, r *http.Request) {
	if srv.requireIdentity(w, r) == nil {
		return
	}
	var req roomRequest
	if err := decodeBody(r, &req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	members, err := srv.svc.RoomMembers(r.Context(), req.RoomID)
	if err != nil {
		srv.writeJSON(w, http.StatusInternalServerError, &GenericResponse{Error: err.Error()})
		return
	}
	srv.writeJSON(w, http.StatusOK, members)
}

func (srv *Server) joinGroup(w http.ResponseWriter, r *http.Request) {
	srv.groupMembership(w, r, srv.svc.JoinGroup)
}

func (srv *Server) leaveGroup(w http.ResponseWriter, r *http.Request) {
	srv.groupMembership(w, r, srv.svc.LeaveGroup)
}

func (srv *Server) groupMembership(
	w http.ResponseWriter,
	r *http.Request,
	op func(ctx context.Context, groupID int, username string) error,
) {
	ident := srv.requireIdentity(w, r)
	if ident == nil {
		return
	}
	var req groupRequest
	if err := decodeBody(r, &req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	username := req.Username
	if username == "" {
		username = ident.Username
	}
	if err := op(r.Context(), req.GroupID, username); err != nil {
		srv.writeJSON(w, http.StatusConflict, &GenericResponse{Error: err.Error()})
		return
	}
	srv.writeJSON(w, http.StatusOK, &GenericResponse{Message: "OK"})
}

func (srv *Server) groupMembers(w http.ResponseWriter, r *http.Request) {
	if srv.requireIdentity(w, r) == nil {
		return
	}
	var req groupRequest
	if err := decodeBody(r, &req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	members, err := srv.svc.GroupMembers(r.Context(), req.GroupID)
	if err != nil {
		srv.writeJSON(w, http.StatusInternalServerError, &GenericResponse{Error: err.Error()})
		return
	}
	srv.writeJSON(w, http.StatusOK, members)
}

func (srv *Server) roomsByGroup(w http.ResponseWriter, r *http.Request) {
	if srv.requireIdentity(w, r) == nil {
		return
	}
	var req groupRequest
	if err := decodeBody(r, &req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	rooms, err := srv.svc.RoomsByGroup(r.Context(), req.GroupID)
	if err != nil {
		srv.writeJSON(w, http.StatusInternalServerError, &GenericResponse{Error: err.Error()})
		return
	}
	srv.writeJSON(w, http.StatusOK, rooms)
}

func (srv *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	srv.writeBytes(w, code, b)
}

func (srv *Server) writeBytes(w http.ResponseWriter, code int, b []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(b)))
	w.WriteHeader(code)
	if _, err := w.Write(b); err != nil {
		srv.logger.Error().Err(err).Msg("failed to write response")
	}
}
