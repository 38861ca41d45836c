package main

import (
	"encoding/json"
	"log"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/ua-parser/uap-go/uaparser"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 8192,
	// Binary frames are compressed with zstd instead
	EnableCompression: false,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// wsConn wraps a WebSocket connection with a dedicated writer goroutine so a
// slow viewer never blocks a pipeline
type wsConn struct {
	conn       *websocket.Conn
	msgType    int
	writeChan  chan []byte
	writerDone chan struct{}
}

func newWSConn(conn *websocket.Conn, msgType, queueSize int) *wsConn {
	wc := &wsConn{
		conn:       conn,
		msgType:    msgType,
		writeChan:  make(chan []byte, queueSize),
		writerDone: make(chan struct{}),
	}
	go wc.writer()
	return wc
}

func (wc *wsConn) writer() {
	defer close(wc.writerDone)
	for packet := range wc.writeChan {
		wc.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := wc.conn.WriteMessage(wc.msgType, packet); err != nil {
			// The read loop notices the broken connection and cleans up
			return
		}
	}
}

// enqueue queues a packet without blocking. Returns false if it was dropped.
func (wc *wsConn) enqueue(packet []byte) bool {
	select {
	case wc.writeChan <- packet:
		return true
	default:
		return false
	}
}

// closeWriter stops the writer and waits for it to exit
func (wc *wsConn) closeWriter() {
	close(wc.writeChan)
	<-wc.writerDone
}

// ViewerInfo describes a connected viewer
type ViewerInfo struct {
	ID         string    `json:"id"`
	Source     string    `json:"source,omitempty"` // Empty means every source
	Format     string    `json:"format"`
	RemoteAddr string    `json:"remote_addr"`
	Browser    string    `json:"browser,omitempty"`
	OS         string    `json:"os,omitempty"`
	Connected  time.Time `json:"connected"`
}

type viewer struct {
	info    ViewerInfo
	conn    *wsConn
	encoder *PowerFrameEncoder // nil for JSON viewers
}

// PowerMessage is the JSON form of a power frame
type PowerMessage struct {
	Type      string    `json:"type"`
	Source    string    `json:"source"`
	Cycle     uint64    `json:"cycle"`
	Timestamp int64     `json:"timestamp"`
	Low       float64   `json:"low"`
	High      float64   `json:"high"`
	Label     string    `json:"label,omitempty"`
	Channels  []string  `json:"channels"`
	PowerDB   []float64 `json:"power_db"`
}

// PowerHub fans power frames out to WebSocket viewers
type PowerHub struct {
	config  *WebSocketConfig
	metrics *PrometheusMetrics
	parser  *uaparser.Parser

	mu      sync.RWMutex
	viewers map[string]*viewer

	cycleMu sync.Mutex
	cycles  map[string]uint64 // frames rendered per source
}

// NewPowerHub creates an empty hub
func NewPowerHub(config *WebSocketConfig, metrics *PrometheusMetrics) *PowerHub {
	return &PowerHub{
		config:  config,
		metrics: metrics,
		parser:  uaparser.NewFromSaved(),
		viewers: make(map[string]*viewer),
		cycles:  make(map[string]uint64),
	}
}

// HandleWebSocket upgrades a viewer connection.
// Query parameters: source (optional filter for json, required for binary),
// format=json|binary.
func (h *PowerHub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	source := r.URL.Query().Get("source")
	format := r.URL.Query().Get("format")
	if format == "" {
		format = "json"
	}
	if format != "json" && format != "binary" {
		http.Error(w, "format must be json or binary", http.StatusBadRequest)
		return
	}
	// Binary frames carry no source name and their encoder state follows one stream
	if format == "binary" && source == "" {
		http.Error(w, "binary format requires a source", http.StatusBadRequest)
		return
	}

	rawConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	v := &viewer{
		info: ViewerInfo{
			ID:         uuid.New().String(),
			Source:     source,
			Format:     format,
			RemoteAddr: r.RemoteAddr,
			Connected:  time.Now(),
		},
	}
	if ua := r.UserAgent(); ua != "" {
		client := h.parser.Parse(ua)
		v.info.Browser = joinNonEmpty(client.UserAgent.Family, client.UserAgent.Major)
		v.info.OS = joinNonEmpty(client.Os.Family, client.Os.Major)
	}

	msgType := websocket.TextMessage
	if format == "binary" {
		msgType = websocket.BinaryMessage
		v.encoder = NewPowerFrameEncoder(h.config.Compression)
	}
	v.conn = newWSConn(rawConn, msgType, h.config.QueueSize)

	h.register(v)
	defer h.unregister(v)

	// Viewers send nothing; reading detects the close
	for {
		if _, _, err := rawConn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) && DebugMode {
				log.Printf("DEBUG: WebSocket viewer %s: %v", v.info.ID, err)
			}
			return
		}
	}
}

func joinNonEmpty(family, major string) string {
	if family == "" || family == "Other" {
		return ""
	}
	if major == "" {
		return family
	}
	return family + " " + major
}

func (h *PowerHub) register(v *viewer) {
	h.mu.Lock()
	h.viewers[v.info.ID] = v
	count := len(h.viewers)
	h.mu.Unlock()

	h.metrics.RecordWSConnection(v.info.Source)
	log.Printf("WebSocket viewer %s connected from %s (source %q, %s, %d viewers)",
		v.info.ID, v.info.RemoteAddr, v.info.Source, v.info.Format, count)
}

func (h *PowerHub) unregister(v *viewer) {
	h.mu.Lock()
	delete(h.viewers, v.info.ID)
	h.mu.Unlock()

	v.conn.closeWriter()
	v.conn.conn.Close()
	if v.encoder != nil {
		v.encoder.Close()
	}
	h.metrics.RecordWSDisconnect(v.info.Source)
	log.Printf("WebSocket viewer %s disconnected", v.info.ID)
}

// Viewers lists the connected viewers, oldest first
func (h *PowerHub) Viewers() []ViewerInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()

	infos := make([]ViewerInfo, 0, len(h.viewers))
	for _, v := range h.viewers {
		infos = append(infos, v.info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Connected.Before(infos[j].Connected) })
	return infos
}

// RendererFor returns the renderer that broadcasts frames of source
func (h *PowerHub) RendererFor(source SourceInfo) Renderer {
	return RendererFunc(func(vector []float64, bounds Bounds, names []string, label string) error {
		h.Broadcast(source.Name, vector, bounds, names, label)
		return nil
	})
}

// Broadcast queues a frame to every viewer of source. Full viewer queues drop the frame.
func (h *PowerHub) Broadcast(source string, vector []float64, bounds Bounds, names []string, label string) {
	now := time.Now()

	h.cycleMu.Lock()
	h.cycles[source]++
	cycle := h.cycles[source]
	h.cycleMu.Unlock()

	// unregister closes a writer only after taking the write lock, so
	// enqueueing under the read lock is safe
	h.mu.RLock()
	defer h.mu.RUnlock()

	var jsonData []byte
	for _, v := range h.viewers {
		if v.info.Source != "" && v.info.Source != source {
			continue
		}

		var packet []byte
		if v.encoder != nil {
			var err error
			packet, err = v.encoder.Encode(PowerFrame{
				Cycle:     cycle,
				Timestamp: now,
				Bounds:    bounds,
				Label:     label,
				Channels:  names,
				PowerDB:   vector,
			})
			if err != nil {
				log.Printf("ERROR: Failed to encode power frame for viewer %s: %v", v.info.ID, err)
				continue
			}
		} else {
			if jsonData == nil {
				var err error
				jsonData, err = json.Marshal(PowerMessage{
					Type:      "power",
					Source:    source,
					Cycle:     cycle,
					Timestamp: now.UnixMilli(),
					Low:       bounds.Low,
					High:      bounds.High,
					Label:     label,
					Channels:  names,
					PowerDB:   vector,
				})
				if err != nil {
					log.Printf("ERROR: Failed to marshal power message: %v", err)
					return
				}
			}
			packet = jsonData
		}

		queued := v.conn.enqueue(packet)
		h.metrics.RecordWSFrame(source, !queued)
		if !queued && DebugMode {
			log.Printf("DEBUG: WebSocket viewer %s is slow, dropped frame %d of %s", v.info.ID, cycle, source)
		}
	}
}
