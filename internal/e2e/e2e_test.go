package e2e

import (
	"bufio"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/andreasots/eventhub/internal/db"
	"github.com/andreasots/eventhub/internal/hub"
	"github.com/andreasots/eventhub/internal/rpc"
	"github.com/andreasots/eventhub/internal/sse"
)

// system bundles one full, in-process wiring of store + hub + both
// frontends, mirroring cmd/eventserver's assembly.
type system struct {
	store       *db.DB
	hub         *hub.Hub
	httpServer  *httptest.Server
	rpcListener net.Listener
}

func newSystem() *system {
	dbPath := filepath.Join(GinkgoT().TempDir(), "events.db")
	store, err := db.OpenDB("sqlite", dbPath)
	Expect(err).NotTo(HaveOccurred())

	h := hub.New(store, 16)
	frontend := sse.New(h, 200*time.Millisecond, nil)
	httpServer := httptest.NewServer(frontend)

	rpcListener, err := net.Listen("tcp", "127.0.0.1:0")
	Expect(err).NotTo(HaveOccurred())
	rpcFrontend := rpc.New(h, nil)
	go rpcFrontend.Serve(rpcListener)

	return &system{store: store, hub: h, httpServer: httpServer, rpcListener: rpcListener}
}

func (s *system) close() {
	s.httpServer.Close()
	s.rpcListener.Close()
	s.store.Close()
}

func (s *system) subscribe(endpoint string, lastEventID string) (*http.Response, *bufio.Reader) {
	req, err := http.NewRequest(http.MethodGet, s.httpServer.URL+endpoint, nil)
	Expect(err).NotTo(HaveOccurred())
	if lastEventID != "" {
		req.Header.Set("Last-Event-Id", lastEventID)
	}
	resp, err := http.DefaultClient.Do(req)
	Expect(err).NotTo(HaveOccurred())
	return resp, bufio.NewReader(resp.Body)
}

func (s *system) publishHTTP(endpoint, key, event, data string) *http.Response {
	form := url.Values{"access-key": {key}, "event": {event}, "data": {data}}
	resp, err := http.PostForm(s.httpServer.URL+endpoint, form)
	Expect(err).NotTo(HaveOccurred())
	return resp
}

func (s *system) rpcCall(command string, param any) map[string]any {
	conn, err := net.Dial("tcp", s.rpcListener.Addr().String())
	Expect(err).NotTo(HaveOccurred())
	defer conn.Close()

	req := map[string]any{"command": command, "param": param}
	line, err := json.Marshal(req)
	Expect(err).NotTo(HaveOccurred())
	_, err = conn.Write(append(line, '\n'))
	Expect(err).NotTo(HaveOccurred())

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	reply, err := bufio.NewReader(conn).ReadBytes('\n')
	Expect(err).NotTo(HaveOccurred())

	var out map[string]any
	Expect(json.Unmarshal(reply, &out)).To(Succeed())
	return out
}

func readFrame(r *bufio.Reader) []string {
	var lines []string
	for {
		line, err := r.ReadString('\n')
		Expect(err).NotTo(HaveOccurred())
		line = strings.TrimRight(line, "\n")
		if line == "" {
			return lines
		}
		lines = append(lines, line)
	}
}

var _ = Describe("eventhub", func() {
	var sys *system

	BeforeEach(func() {
		sys = newSystem()
		Expect(sys.hub.RegisterAccessKey("/room", "secret")).To(Succeed())
	})

	AfterEach(func() {
		sys.close()
	})

	It("fans a published event out to a connected subscriber", func() {
		resp, reader := sys.subscribe("/room", "")
		defer resp.Body.Close()

		Eventually(func() int { return sys.hub.SubscriberCount() }).Should(Equal(1))

		postResp := sys.publishHTTP("/room", "secret", "greeting", "hello")
		Expect(postResp.StatusCode).To(Equal(http.StatusOK))

		frame := readFrame(reader)
		Expect(frame).To(Equal([]string{"event:greeting", "data:hello", "id:1"}))
	})

	It("splits multi-line data across multiple data: lines, in order", func() {
		resp, reader := sys.subscribe("/room", "")
		defer resp.Body.Close()
		Eventually(func() int { return sys.hub.SubscriberCount() }).Should(Equal(1))

		postResp := sys.publishHTTP("/room", "secret", "multi", "line1\nline2\nline3")
		Expect(postResp.StatusCode).To(Equal(http.StatusOK))

		frame := readFrame(reader)
		Expect(frame).To(Equal([]string{"event:multi", "data:line1", "data:line2", "data:line3", "id:1"}))
	})

	It("replays the gap since Last-Event-Id before streaming new events", func() {
		Expect(sys.hub.Publish("/room", "e", "1")).To(Succeed())
		Expect(sys.hub.Publish("/room", "e", "2")).To(Succeed())
		Expect(sys.hub.Publish("/room", "e", "3")).To(Succeed())

		resp, reader := sys.subscribe("/room", "1")
		defer resp.Body.Close()

		Expect(readFrame(reader)).To(Equal([]string{"event:e", "data:2", "id:2"}))
		Expect(readFrame(reader)).To(Equal([]string{"event:e", "data:3", "id:3"}))
	})

	It("rejects a submission with a bad access key", func() {
		resp := sys.publishHTTP("/room", "wrong-key", "e", "d")
		Expect(resp.StatusCode).To(Equal(http.StatusForbidden))
	})

	It("sends periodic keep-alive comments on an idle stream", func() {
		resp, reader := sys.subscribe("/room", "")
		defer resp.Body.Close()

		line, err := reader.ReadString('\n')
		Expect(err).NotTo(HaveOccurred())
		Expect(line).To(Equal(": keep-alive\n"))
	})

	It("delivers an event published over RPC to a live SSE subscriber", func() {
		resp, reader := sys.subscribe("/room", "")
		defer resp.Body.Close()
		Eventually(func() int { return sys.hub.SubscriberCount() }).Should(Equal(1))

		out := sys.rpcCall("send_event", []string{"/room", "via-rpc", "payload"})
		Expect(out["success"]).To(BeEquivalentTo(true))

		frame := readFrame(reader)
		Expect(frame).To(Equal([]string{"event:via-rpc", "data:payload", "id:1"}))
	})

	It("keeps the RPC connection open after an unknown command", func() {
		conn, err := net.Dial("tcp", sys.rpcListener.Addr().String())
		Expect(err).NotTo(HaveOccurred())
		defer conn.Close()

		send := func(command string, param any) map[string]any {
			line, _ := json.Marshal(map[string]any{"command": command, "param": param})
			conn.Write(append(line, '\n'))
			conn.SetReadDeadline(time.Now().Add(2 * time.Second))
			reply, err := bufio.NewReader(conn).ReadBytes('\n')
			Expect(err).NotTo(HaveOccurred())
			var out map[string]any
			json.Unmarshal(reply, &out)
			return out
		}

		bad := send("not_a_command", []string{})
		Expect(bad["success"]).To(BeEquivalentTo(false))
		Expect(bad["result"]).To(Equal(`No method named "not_a_command"`))

		ok := send("register_key", []string{"/other", "k2"})
		Expect(ok["success"]).To(BeEquivalentTo(true))
	})

	It("reaps a dead subscriber on publish without blocking delivery to others", func() {
		liveResp, liveReader := sys.subscribe("/room", "")
		defer liveResp.Body.Close()

		deadResp, _ := sys.subscribe("/room", "")
		Eventually(func() int { return sys.hub.SubscriberCount() }).Should(Equal(2))
		deadResp.Body.Close()

		// Give the closed connection's GET handler a moment to observe
		// ctx.Done() and detach before the next publish, without asserting
		// on the exact count: the publish below is what must succeed
		// regardless of whether the detach has already happened.
		time.Sleep(50 * time.Millisecond)

		postResp := sys.publishHTTP("/room", "secret", "e", "after-disconnect")
		Expect(postResp.StatusCode).To(Equal(http.StatusOK))

		frame := readFrame(liveReader)
		Expect(frame[0]).To(Equal("event:e"))

		Eventually(func() int { return sys.hub.SubscriberCount() }).Should(Equal(1))
	})
})
