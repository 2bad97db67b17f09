package web

import (
	"bytes"
	"fmt"
	"html/template"
	"image/png"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/jnb666/demos/img"
	"github.com/jnb666/demos/nnet"
	"go.uber.org/zap"
)

const (
	sampleImages = 40
	writeWait    = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Monitor wraps the tester used during training to record the stats after each epoch and
// serves them over HTTP. Each connected websocket client is sent an Update message at the end
// of every epoch.
type Monitor struct {
	*Templates
	Name     string
	Page     string
	Fields   []Field
	Layers   []Layer
	MaxEpoch int
	inner    nnet.Tester
	data     nnet.Data
	log      *zap.SugaredLogger
	hub      *hub
	mu       sync.Mutex
	stats    []nnet.Stats
	done     bool
}

// Update is the message pushed to websocket clients.
type Update struct {
	Epoch    int     `json:"epoch"`
	MaxEpoch int     `json:"max_epoch"`
	Loss     float64 `json:"loss"`
	Accuracy float64 `json:"accuracy"`
	Elapsed  string  `json:"elapsed"`
	Done     bool    `json:"done"`
}

// Sample is an entry in the sample image page.
type Sample struct {
	Index int
	Label string
}

// NewMonitor creates a monitor for the named model. Stats are recorded by calling test.Test and
// then reading its History if it has one. data is used to display sample input images.
func NewMonitor(name string, conf nnet.Config, test nnet.Tester, data nnet.Data, log *zap.SugaredLogger) (*Monitor, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	t, err := NewTemplates()
	if err != nil {
		return nil, err
	}
	t.AddMenuItem(Link{Name: "stats", Url: "/"})
	t.AddMenuItem(Link{Name: "config", Url: "/config"})
	if data != nil {
		t.AddMenuItem(Link{Name: "images", Url: "/images"})
	}
	m := &Monitor{
		Templates: t,
		Name:      name,
		Fields:    getFields(conf),
		Layers:    getLayers(conf),
		MaxEpoch:  conf.MaxEpoch,
		inner:     test,
		data:      data,
		log:       log,
		hub:       &hub{conns: map[*websocket.Conn]bool{}, log: log},
	}
	return m, nil
}

// Test implements the nnet.Tester interface.
func (m *Monitor) Test(net *nnet.Network, epoch int, loss float64, start time.Time) bool {
	done := m.inner.Test(net, epoch, loss, start)
	s := nnet.Stats{Epoch: epoch, Loss: loss, Elapsed: time.Since(start)}
	if h, ok := m.inner.(interface{ History() []nnet.Stats }); ok {
		if hist := h.History(); len(hist) > 0 {
			s = hist[len(hist)-1]
		}
	}
	m.mu.Lock()
	m.stats = append(m.stats, s)
	m.done = done
	msg := m.update()
	m.mu.Unlock()
	m.hub.broadcast(msg)
	return done
}

// Finish flags that training has ended and notifies the clients.
func (m *Monitor) Finish() {
	m.mu.Lock()
	m.done = true
	msg := m.update()
	m.mu.Unlock()
	m.hub.broadcast(msg)
}

// Close disconnects any websocket clients.
func (m *Monitor) Close() {
	m.hub.closeAll()
}

// Stats returns a copy of the stats recorded so far.
func (m *Monitor) Stats() []nnet.Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]nnet.Stats{}, m.stats...)
}

func (m *Monitor) update() Update {
	u := Update{MaxEpoch: m.MaxEpoch, Done: m.done}
	if n := len(m.stats); n > 0 {
		s := m.stats[n-1]
		u.Epoch, u.Loss, u.Accuracy = s.Epoch, s.Loss, s.Accuracy
		u.Elapsed = s.Elapsed.Round(10 * time.Millisecond).String()
	}
	return u
}

// Router returns the handler with the monitor routes.
func (m *Monitor) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(RequestLogger(m.log))
	r.HandleFunc("/", m.Base("stats")).Methods(http.MethodGet)
	r.HandleFunc("/config", m.Base("config")).Methods(http.MethodGet)
	r.HandleFunc("/images", m.Base("images")).Methods(http.MethodGet)
	r.HandleFunc("/stats", m.StatsJSON).Methods(http.MethodGet)
	r.HandleFunc("/plot/{name:loss|accuracy}.svg", m.Plot).Methods(http.MethodGet)
	r.HandleFunc("/img/{index:[0-9]+}.png", m.Image).Methods(http.MethodGet)
	r.HandleFunc("/ws", m.Websocket)
	return r
}

// Handler function for the html pages
func (m *Monitor) Base(page string) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.Page = page
		m.Select(r.URL.Path)
		var buf bytes.Buffer
		if err := m.ExecuteTemplate(&buf, "monitor", m); err != nil {
			logError(w, Logger(r.Context(), m.log), err)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write(buf.Bytes())
	}
}

// Handler function returning the stats as JSON
func (m *Monitor) StatsJSON(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	resp := struct {
		Name   string       `json:"name"`
		Update Update       `json:"latest"`
		Stats  []nnet.Stats `json:"stats"`
	}{Name: m.Name, Update: m.update(), Stats: append([]nnet.Stats{}, m.stats...)}
	m.mu.Unlock()
	writeJSON(w, http.StatusOK, resp)
}

// Handler function for the SVG loss and accuracy plots. Size is set with the w and h query params.
func (m *Monitor) Plot(w http.ResponseWriter, r *http.Request) {
	width := queryInt(r, "w", 500)
	height := queryInt(r, "h", 300)
	stats := m.Stats()
	w.Header().Set("Content-Type", "image/svg+xml")
	if err := writePlot(w, mux.Vars(r)["name"], stats, m.MaxEpoch, width, height); err != nil {
		logError(w, Logger(r.Context(), m.log), err)
	}
}

// Handler function for the sample input images. Image is scaled by the s query param.
func (m *Monitor) Image(w http.ResponseWriter, r *http.Request) {
	index, _ := strconv.Atoi(mux.Vars(r)["index"])
	if m.data == nil || index >= m.data.Len() {
		http.NotFound(w, r)
		return
	}
	src := m.data.Image(index)
	if src == nil {
		http.NotFound(w, r)
		return
	}
	scale := queryInt(r, "s", 3)
	if scale < 1 || scale > 10 {
		scale = 3
	}
	w.Header().Set("Content-Type", "image/png")
	if err := png.Encode(w, img.Scale(src, scale)); err != nil {
		m.log.Warnw("error encoding image", "index", index, "error", err)
	}
}

// Handler function for websocket connection. The current state is sent on connect.
func (m *Monitor) Websocket(w http.ResponseWriter, r *http.Request) {
	log := Logger(r.Context(), m.log)
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnw("websocket upgrade failed", "error", err)
		return
	}
	m.mu.Lock()
	msg := m.update()
	m.mu.Unlock()
	m.hub.add(conn, msg)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	m.hub.remove(conn)
}

func (m *Monitor) Heading() template.HTML {
	epoch := 0
	if n := len(m.stats); n > 0 {
		epoch = m.stats[n-1].Epoch
	}
	s := fmt.Sprintf(`%s: epoch <span id="epoch">%d</span> of %d`, template.HTMLEscapeString(m.Name), epoch, m.MaxEpoch)
	if m.done {
		s += " - complete"
	}
	return template.HTML(s)
}

func (m *Monitor) LatestStats(n int) []nnet.Stats {
	last := len(m.stats) - 1
	res := []nnet.Stats{}
	for i := last; i >= 0 && i > last-n; i-- {
		res = append(res, m.stats[i])
	}
	return res
}

func (m *Monitor) RunTime() string {
	if len(m.stats) == 0 {
		return ""
	}
	elapsed := m.stats[len(m.stats)-1].Elapsed
	return fmt.Sprintf("run time: %s", elapsed.Round(10*time.Millisecond))
}

func (m *Monitor) Samples() []Sample {
	if m.data == nil {
		return nil
	}
	n := min(sampleImages, m.data.Len())
	samples := make([]Sample, n)
	labels := make([]int32, n)
	index := make([]int, n)
	for i := range index {
		index[i] = i
	}
	m.data.Label(index, labels)
	classes := m.data.Classes()
	for i := range samples {
		samples[i] = Sample{Index: i, Label: strconv.Itoa(int(labels[i]))}
		if int(labels[i]) < len(classes) {
			samples[i].Label = classes[labels[i]]
		}
	}
	return samples
}

func queryInt(r *http.Request, key string, def int) int {
	if v, err := strconv.Atoi(r.URL.Query().Get(key)); err == nil && v > 0 {
		return v
	}
	return def
}

// set of connected websocket clients
type hub struct {
	mu    sync.Mutex
	conns map[*websocket.Conn]bool
	log   *zap.SugaredLogger
}

func (h *hub) add(conn *websocket.Conn, msg Update) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[conn] = true
	h.send(conn, msg)
}

func (h *hub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, conn)
	conn.Close()
}

func (h *hub) broadcast(msg Update) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.conns {
		h.send(conn, msg)
	}
}

// send must be called with the lock held
func (h *hub) send(conn *websocket.Conn, msg Update) {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(msg); err != nil {
		h.log.Warnw("error writing to websocket", "error", err)
		delete(h.conns, conn)
		conn.Close()
	}
}

func (h *hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.conns {
		conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(writeWait))
		conn.Close()
		delete(h.conns, conn)
	}
}
