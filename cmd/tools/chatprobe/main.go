package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"

	"github.com/zhouzirui/z-terminal/backend/internal/config"
	"github.com/zhouzirui/z-terminal/backend/internal/service/auth"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	if err := godotenv.Load(); err != nil {
		log.Printf("[WARN] 无法加载 .env，改用系统环境变量: %v", err)
	}

	server := flag.String("url", "ws://localhost:8080/ws", "WebSocket 地址")
	user := flag.String("user", "probe", "连接使用的用户名")
	room := flag.String("room", "", "连接后加入的房间，留空则停留在默认房间")
	count := flag.Int("count", 12, "发送的消息条数")
	interval := flag.Duration("interval", 100*time.Millisecond, "两条消息之间的间隔")
	message := flag.String("message", "probe message", "消息内容，会附加序号")
	listen := flag.Duration("listen", 3*time.Second, "发送结束后继续接收的时间")
	flag.Parse()

	header := http.Header{}
	target, err := url.Parse(*server)
	if err != nil {
		log.Fatalf("无效的地址 %q: %v", *server, err)
	}

	token, err := issueToken(*user)
	if err != nil {
		log.Fatalf("签发令牌失败: %v", err)
	}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	} else {
		q := target.Query()
		q.Set("username", *user)
		target.RawQuery = q.Encode()
	}

	conn, resp, err := websocket.DefaultDialer.Dial(target.String(), header)
	if err != nil {
		status := ""
		if resp != nil {
			status = resp.Status
		}
		log.Fatalf("连接失败: %v %s", err, status)
	}
	defer conn.Close()
	log.Printf("已连接 %s 用户=%s", target.Redacted(), *user)

	counts := make(map[string]int)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				log.Printf("连接结束: %v", err)
				return
			}
			var frame struct {
				Type     string `json:"type"`
				Content  string `json:"content"`
				Username string `json:"username"`
			}
			if err := json.Unmarshal(data, &frame); err != nil {
				log.Printf("无法解析的帧: %s", data)
				continue
			}
			counts[frame.Type]++
			switch frame.Type {
			case "chat_message":
				log.Printf("<- [%s] %s", frame.Username, frame.Content)
			case "system", "error", "room_change":
				log.Printf("<- %s: %s", frame.Type, frame.Content)
			}
		}
	}()

	if *room != "" {
		send(conn, map[string]any{"type": "join_room", "room": *room})
	}
	for i := 1; i <= *count; i++ {
		send(conn, map[string]any{"type": "chat_message", "content": fmt.Sprintf("%s #%d", *message, i)})
		time.Sleep(*interval)
	}

	select {
	case <-done:
	case <-time.After(*listen):
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "probe finished"))
		<-done
	}

	printSummary(counts)
}

// issueToken signs a short-lived token when AUTH_JWT_SECRET is configured.
func issueToken(user string) (string, error) {
	cfg, err := config.Load()
	if err != nil {
		return "", err
	}
	if !cfg.Auth.UseJWT() {
		return "", nil
	}
	verifier, err := auth.NewJWTVerifier(auth.Config{Secret: []byte(cfg.Auth.JWTSecret), Issuer: cfg.Auth.JWTIssuer})
	if err != nil {
		return "", err
	}
	return verifier.Issue(user, 10*time.Minute)
}

func send(conn *websocket.Conn, payload map[string]any) {
	if err := conn.WriteJSON(payload); err != nil {
		log.Printf("发送失败: %v", err)
		os.Exit(1)
	}
}

func printSummary(counts map[string]int) {
	kinds := make([]string, 0, len(counts))
	for kind := range counts {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)

	parts := make([]string, 0, len(kinds))
	for _, kind := range kinds {
		parts = append(parts, fmt.Sprintf("%s=%d", kind, counts[kind]))
	}
	log.Printf("收到的帧: %s", strings.Join(parts, " "))
}
