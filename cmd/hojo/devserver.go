package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	jww "github.com/spf13/jwalterweatherman"

	hojo "github.com/snoopyylion/hojo-realtime-go"
)

// ============================================================================
// devserver command
// ============================================================================

var devserverAddr string

func init() {
	devserverCmd.Flags().StringVar(&devserverAddr, "addr", "", "Listen address (default :8787 or HOJO_DEV_ADDR)")
	rootCmd.AddCommand(devserverCmd)
}

var devserverCmd = &cobra.Command{
	Use:   "devserver",
	Short: "Run a local in-memory relay server",
	Long:  "Run an in-memory message server for local development.\nIt serves the REST surface and relays realtime events between connected sockets, with no persistence.",
	RunE: func(cmd *cobra.Command, args []string) error {
		// A missing .env is fine, env vars are optional here.
		_ = godotenv.Load()

		addr := devserverAddr
		if addr == "" {
			addr = os.Getenv("HOJO_DEV_ADDR")
		}
		if addr == "" {
			addr = ":8787"
		}

		srv := newDevServer()
		fmt.Printf("Dev server listening on %s\n", addr)
		return http.ListenAndServe(addr, srv.router())
	},
}

// ============================================================================
// In-memory server
// ============================================================================

type devServer struct {
	upgrader websocket.Upgrader

	mu      sync.Mutex
	rooms   map[string]map[*devSocket]bool
	msgs    map[string][]hojo.Message
	notifs  []hojo.Notification
	counter int64
}

type devSocket struct {
	room   string
	userID string
	conn   *websocket.Conn
	send   chan *hojo.Event
}

func newDevServer() *devServer {
	return &devServer{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		rooms: make(map[string]map[*devSocket]bool),
		msgs:  make(map[string][]hojo.Message),
	}
}

func (s *devServer) router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/ws/notifications", s.handleSocket("global")).Methods("GET")
	r.HandleFunc("/ws/conversations/{id}", s.handleConversationSocket).Methods("GET")

	r.HandleFunc("/api/conversations", s.handleListConversations).Methods("GET")
	r.HandleFunc("/api/conversations/{id}/read", s.handleOK).Methods("POST")
	r.HandleFunc("/api/messages/{id}", s.handleFetchMessages).Methods("GET")
	r.HandleFunc("/api/messages/{id}", s.handleSendMessage).Methods("POST")
	r.HandleFunc("/api/notifications", s.handleListNotifications).Methods("GET")
	r.HandleFunc("/api/notifications", s.handleCreateNotification).Methods("POST")
	r.HandleFunc("/api/notifications", s.handleClearNotifications).Methods("DELETE")
	r.HandleFunc("/api/notifications/read-all", s.handleReadAllNotifications).Methods("POST")
	r.HandleFunc("/api/notifications/{id}/read", s.handleReadNotification).Methods("POST")
	r.HandleFunc("/api/notifications/{id}", s.handleDeleteNotification).Methods("DELETE")
	return r
}

func (s *devServer) nextID(prefix string) string {
	s.counter++
	return fmt.Sprintf("%s-%d", prefix, s.counter)
}

// ============================================================================
// Websocket relay
// ============================================================================

func (s *devServer) handleConversationSocket(w http.ResponseWriter, r *http.Request) {
	s.handleSocket("conv:" + mux.Vars(r)["id"])(w, r)
}

func (s *devServer) handleSocket(room string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			jww.ERROR.Printf("upgrade failed: %v", err)
			return
		}
		sock := &devSocket{
			room:   room,
			userID: r.URL.Query().Get("userId"),
			conn:   conn,
			send:   make(chan *hojo.Event, 64),
		}
		s.register(sock)
		go sock.writePump()
		s.readPump(sock)
	}
}

func (s *devServer) register(sock *devSocket) {
	s.mu.Lock()
	set, ok := s.rooms[sock.room]
	if !ok {
		set = make(map[*devSocket]bool)
		s.rooms[sock.room] = set
	}
	set[sock] = true
	s.mu.Unlock()
	jww.INFO.Printf("socket joined %s (user %s)", sock.room, sock.userID)
}

func (s *devServer) unregister(sock *devSocket) {
	s.mu.Lock()
	if set, ok := s.rooms[sock.room]; ok {
		if set[sock] {
			delete(set, sock)
			close(sock.send)
		}
		if len(set) == 0 {
			delete(s.rooms, sock.room)
		}
	}
	s.mu.Unlock()
}

// broadcast delivers an event to every socket in the room except the
// sender. A full send buffer drops the event for that socket.
func (s *devServer) broadcast(room string, from *devSocket, ev *hojo.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sock := range s.rooms[room] {
		if sock == from {
			continue
		}
		select {
		case sock.send <- ev:
		default:
			jww.WARN.Printf("socket in %s too slow, dropping event", room)
		}
	}
}

func (s *devServer) readPump(sock *devSocket) {
	defer func() {
		s.unregister(sock)
		sock.conn.Close()
	}()
	for {
		var ev hojo.Event
		if err := sock.conn.ReadJSON(&ev); err != nil {
			return
		}
		switch ev.Type {
		case hojo.EventAuth:
			jww.DEBUG.Printf("auth from %s in %s", ev.UserID, sock.room)
			s.broadcast(sock.room, sock, &hojo.Event{
				Type:      hojo.EventUserPresence,
				UserID:    ev.UserID,
				Username:  ev.Username,
				IsOnline:  true,
				Timestamp: time.Now().UnixMilli(),
			})
		case hojo.EventPing:
			sock.send <- &hojo.Event{Type: hojo.EventPong, Timestamp: time.Now().UnixMilli()}
		default:
			if ev.Type == hojo.EventNewMessage && ev.Message != nil {
				s.storeMessage(ev.Message)
			}
			s.broadcast(sock.room, sock, &ev)
		}
	}
}

func (sock *devSocket) writePump() {
	defer sock.conn.Close()
	for ev := range sock.send {
		if err := sock.conn.WriteJSON(ev); err != nil {
			return
		}
	}
}

// ============================================================================
// REST surface
// ============================================================================

func writeResult(w http.ResponseWriter, status int, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		status = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(hojo.Result{OK: status < 400, Data: raw})
}

func (s *devServer) handleOK(w http.ResponseWriter, r *http.Request) {
	writeResult(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *devServer) storeMessage(m *hojo.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, held := range s.msgs[m.ConversationID] {
		if held.ID == m.ID {
			return
		}
	}
	s.msgs[m.ConversationID] = append(s.msgs[m.ConversationID], *m)
}

func (s *devServer) handleListConversations(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	convs := make([]hojo.Conversation, 0, len(s.msgs))
	for id, msgs := range s.msgs {
		c := hojo.Conversation{ID: id, Type: hojo.ConversationDirect}
		if len(msgs) > 0 {
			last := msgs[len(msgs)-1]
			c.LastMessage = &last
		}
		convs = append(convs, c)
	}
	s.mu.Unlock()
	sort.Slice(convs, func(i, j int) bool { return convs[i].ID < convs[j].ID })
	writeResult(w, http.StatusOK, convs)
}

func (s *devServer) handleFetchMessages(w http.ResponseWriter, r *http.Request) {
	conversationID := mux.Vars(r)["id"]
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	before, _ := strconv.ParseInt(r.URL.Query().Get("before"), 10, 64)

	s.mu.Lock()
	var page []hojo.Message
	for _, m := range s.msgs[conversationID] {
		if before > 0 && m.CreatedAt >= before {
			continue
		}
		page = append(page, m)
	}
	s.mu.Unlock()

	sort.Slice(page, func(i, j int) bool { return page[i].CreatedAt < page[j].CreatedAt })
	if limit > 0 && len(page) > limit {
		page = page[len(page)-limit:]
	}
	if page == nil {
		page = []hojo.Message{}
	}
	writeResult(w, http.StatusOK, page)
}

func (s *devServer) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	conversationID := mux.Vars(r)["id"]
	var body struct {
		Content   string `json:"content"`
		Type      string `json:"type"`
		ReplyToID string `json:"replyToId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeResult(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}

	s.mu.Lock()
	msg := hojo.Message{
		ID:             s.nextID("msg"),
		ConversationID: conversationID,
		Content:        body.Content,
		Type:           body.Type,
		ReplyToID:      body.ReplyToID,
		CreatedAt:      time.Now().UnixMilli(),
	}
	s.msgs[conversationID] = append(s.msgs[conversationID], msg)
	s.mu.Unlock()

	writeResult(w, http.StatusCreated, msg)
}

func (s *devServer) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	s.mu.Lock()
	items := make([]hojo.Notification, 0, len(s.notifs))
	for _, n := range s.notifs {
		if userID == "" || n.UserID == userID {
			items = append(items, n)
		}
	}
	s.mu.Unlock()
	writeResult(w, http.StatusOK, items)
}

func (s *devServer) handleCreateNotification(w http.ResponseWriter, r *http.Request) {
	var n hojo.Notification
	if err := json.NewDecoder(r.Body).Decode(&n); err != nil {
		writeResult(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}
	s.mu.Lock()
	if n.ID == "" {
		n.ID = s.nextID("notif")
	}
	if n.CreatedAt == 0 {
		n.CreatedAt = time.Now().UnixMilli()
	}
	s.notifs = append([]hojo.Notification{n}, s.notifs...)
	s.mu.Unlock()
	writeResult(w, http.StatusCreated, n)
}

func (s *devServer) handleReadNotification(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	s.mu.Lock()
	for i := range s.notifs {
		if s.notifs[i].ID == id {
			s.notifs[i].Read = true
			break
		}
	}
	s.mu.Unlock()
	writeResult(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *devServer) handleReadAllNotifications(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	s.mu.Lock()
	for i := range s.notifs {
		if userID == "" || s.notifs[i].UserID == userID {
			s.notifs[i].Read = true
		}
	}
	s.mu.Unlock()
	writeResult(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *devServer) handleDeleteNotification(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	s.mu.Lock()
	for i := range s.notifs {
		if s.notifs[i].ID == id {
			s.notifs = append(s.notifs[:i], s.notifs[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
	writeResult(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *devServer) handleClearNotifications(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	s.mu.Lock()
	if userID == "" {
		s.notifs = nil
	} else {
		kept := s.notifs[:0]
		for _, n := range s.notifs {
			if n.UserID != userID {
				kept = append(kept, n)
			}
		}
		s.notifs = kept
	}
	s.mu.Unlock()
	writeResult(w, http.StatusOK, map[string]bool{"ok": true})
}
