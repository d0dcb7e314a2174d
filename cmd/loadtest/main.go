// Command loadtest connects a number of simulated players to one session and
// sends a random mix of guesses, strokes and pointer updates.
package main

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alecthomas/kong"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/brenelz/pictionary/logger"
)

var CLI struct {
	Clients  int           `arg:"" optional:"" help:"Number of simulated players." default:"4"`
	Session  string        `arg:"" optional:"" help:"Existing session id or game link. A new session is created when empty."`
	Server   string        `help:"Server base URL." default:"http://localhost:3000"`
	Messages int           `help:"Messages each client sends." default:"100"`
	MaxDelay time.Duration `help:"Upper bound of the random delay between messages." default:"1s"`
	Debug    bool          `help:"Whether to enable debug logging."`
}

type WSMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type Stroke struct {
	StrokeColor string  `json:"strokeColor"`
	StrokeWidth int8    `json:"strokeWidth"`
	Paths       []Point `json:"paths"`
}

var (
	sent     atomic.Int64
	received atomic.Int64
	failures atomic.Int64
)

func main() {
	kong.Parse(&CLI,
		kong.Name("loadtest"),
		kong.Description("simulate players against a pictionary server"),
		kong.UsageOnError())

	level := "info"
	if CLI.Debug {
		level = "debug"
	}
	logger.Setup(level, true)

	sessionID := sessionFromLink(CLI.Session)
	if sessionID == "" {
		var err error
		sessionID, err = createSession(CLI.Server)
		if err != nil {
			log.Fatal().Err(err).Msg("create session")
		}
		log.Info().Str("session", sessionID).Msg("created session")
	} else {
		log.Info().Str("session", sessionID).Msg("using existing session")
	}

	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < CLI.Clients; i++ {
		wg.Add(1)
		go func(player string) {
			defer wg.Done()
			connectAndSpam(sessionID, player)
		}(fmt.Sprintf("player%d", i))
	}
	wg.Wait()

	log.Info().
		Int64("sent", sent.Load()).
		Int64("received", received.Load()).
		Int64("failures", failures.Load()).
		Dur("elapsed", time.Since(start)).
		Msg("done")
	if failures.Load() > 0 {
		os.Exit(1)
	}
}

// sessionFromLink accepts a bare id, ?sessionId=<id>, ?<id> or #/<id>.
func sessionFromLink(link string) string {
	link = strings.TrimSpace(link)
	if link == "" || !strings.ContainsAny(link, "/?#") {
		return link
	}
	u, err := url.Parse(link)
	if err != nil {
		return ""
	}
	if id := u.Query().Get("sessionId"); id != "" {
		return id
	}
	if u.RawQuery != "" && !strings.Contains(u.RawQuery, "=") {
		return u.RawQuery
	}
	if u.Fragment != "" && !strings.Contains(u.Fragment, "=") {
		return strings.TrimPrefix(u.Fragment, "/")
	}
	return strings.TrimPrefix(u.Path, "/")
}

func createSession(server string) (string, error) {
	req, err := http.NewRequest(http.MethodPost, server+"/session/create", nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("X-Player-Id", "loadtest")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("create session: %s", resp.Status)
	}

	var res struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return "", fmt.Errorf("invalid JSON from session creation: %w", err)
	}
	return res.SessionID, nil
}

func wsURL(server, sessionID, player string) string {
	base := strings.Replace(server, "http", "ws", 1)
	return fmt.Sprintf("%s/ws/%s?playerId=%s", base, url.PathEscape(sessionID), url.QueryEscape(player))
}

func randomMessage(player string) WSMessage {
	switch rand.IntN(4) {
	case 0:
		data, _ := json.Marshal(map[string]string{"guess": fmt.Sprintf("guess from %s", player)})
		return WSMessage{Type: "guess", Data: data}
	case 1:
		stroke := Stroke{StrokeColor: "#000000", StrokeWidth: int8(1 + rand.IntN(8))}
		for i := 0; i < 1+rand.IntN(20); i++ {
			stroke.Paths = append(stroke.Paths, Point{X: rand.Float64() * 800, Y: rand.Float64() * 600})
		}
		data, _ := json.Marshal(stroke)
		return WSMessage{Type: "stroke", Data: data}
	case 2:
		data, _ := json.Marshal(Point{X: rand.Float64() * 800, Y: rand.Float64() * 600})
		return WSMessage{Type: "draw_point", Data: data}
	default:
		return WSMessage{Type: "skip", Data: json.RawMessage(`{}`)}
	}
}

func connectAndSpam(sessionID, player string) {
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(CLI.Server, sessionID, player), nil)
	if err != nil {
		log.Error().Err(err).Str("player", player).Msg("ws connect")
		failures.Add(1)
		return
	}
	defer conn.Close()
	log.Debug().Str("player", player).Msg("joined")

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
			received.Add(1)
		}
	}()

	for i := 0; i < CLI.Messages; i++ {
		msg, err := json.Marshal(randomMessage(player))
		if err != nil {
			log.Error().Err(err).Str("player", player).Msg("marshal")
			continue
		}
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			log.Error().Err(err).Str("player", player).Msg("write")
			failures.Add(1)
			return
		}
		sent.Add(1)

		if CLI.MaxDelay > 0 {
			time.Sleep(time.Duration(rand.Int64N(int64(CLI.MaxDelay))))
		}
	}

	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	select {
	case <-done:
	case <-time.After(time.Second):
	}
	log.Debug().Str("player", player).Msg("finished sending")
}
