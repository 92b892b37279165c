package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
	"github.com/spf13/pflag"

	"github.com/oselabs/peerchat/internal/config"
	"github.com/oselabs/peerchat/internal/directory"
	"github.com/oselabs/peerchat/internal/domain"
	"github.com/oselabs/peerchat/internal/rendezvous"
	"github.com/oselabs/peerchat/internal/rendezvous/peerjs"
	"github.com/oselabs/peerchat/internal/session"
	"github.com/oselabs/peerchat/internal/voice"
)

// client bundles the per-room objects. A fresh one is built for every
// room lifetime; nothing survives leave.
type client struct {
	factory session.BrokerFactory
	dir     *directory.Client
	cfg     session.Config

	sess    *session.Session
	overlay *voice.Overlay
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	fs := pflag.NewFlagSet("peerchat", pflag.ContinueOnError)
	var (
		name     = fs.StringP("name", "n", "", "display name")
		logLevel = fs.StringP("log-level", "l", "", "log level override")
	)
	if err := fs.Parse(os.Args[1:]); err != nil {
		log.Fatal().Err(err).Msg("failed to parse command line arguments")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	level := cfg.LogLevel
	if *logLevel != "" {
		level = *logLevel
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	zerolog.SetGlobalLevel(lvl)

	if *name == "" {
		fmt.Print("Your name: ")
		reader := bufio.NewReader(os.Stdin)
		line, _ := reader.ReadString('\n')
		*name = strings.TrimSpace(line)
		if *name == "" {
			log.Fatal().Msg("a display name is required")
		}
	}

	cache := directory.NewCache(afero.NewOsFs(), cfg.CachePath)
	dir := directory.NewClient(cfg.DirectoryURL, cache, directory.WithHorizon(cfg.StaleHorizon))

	c := &client{
		factory: func() rendezvous.Broker {
			return peerjs.New(peerjs.Config{ServerURL: cfg.BrokerURL, Key: cfg.BrokerKey})
		},
		dir: dir,
		cfg: session.Config{
			Overall:       cfg.JoinTimeout,
			BrokerOpen:    cfg.BrokerTimeout,
			LinkOpen:      cfg.LinkTimeout,
			RetryBackoff:  session.DefaultConfig().RetryBackoff,
			RefreshPeriod: cfg.RefreshPeriod,
		},
	}

	fmt.Println("peerchat — /create <title>, /join <id|code>, /rooms, /mic, /speaker, /leave, /quit")
	go c.repl(ctx, *name, cancel)

	<-ctx.Done()
	c.leave(context.Background())
	log.Info().Msg("bye")
}

func (c *client) repl(ctx context.Context, name string, quit context.CancelFunc) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "/") {
			if c.sess == nil {
				fmt.Println("not in a room — /create or /join first")
				continue
			}
			c.sess.SendChat(line)
			continue
		}

		fields := strings.Fields(line)
		switch fields[0] {
		case "/create":
			c.create(ctx, name, fields[1:])
		case "/join":
			if len(fields) < 2 {
				fmt.Println("usage: /join <roomId|code>")
				continue
			}
			c.join(ctx, name, fields[1])
		case "/rooms":
			c.listRooms(ctx)
		case "/mic":
			c.toggleMic(ctx)
		case "/speaker":
			c.toggleSpeaker()
		case "/leave":
			c.leave(ctx)
		case "/quit":
			c.leave(ctx)
			quit()
			return
		default:
			fmt.Println("unknown command:", fields[0])
		}
	}
}

func (c *client) newSession() *session.Session {
	events := session.Events{
		Notice: func(text string) { fmt.Println("*", text) },
		Chat:   func(sender, text string) { fmt.Printf("[%s] %s\n", sender, text) },
		Entered: func(meta domain.RoomMetadata) {
			fmt.Printf("— %s (%s, %s), hosted by %s —\n", meta.Title, meta.Language, meta.Level, meta.HostName)
		},
		IncomingCall: func(call rendezvous.Call) {
			if c.overlay != nil {
				c.overlay.HandleIncomingCall(call)
			}
		},
	}
	sess := session.New(c.factory, c.dir, c.cfg, events)
	c.overlay = voice.NewOverlay(sess, voice.NewSampleCapture, voice.NewDrainSink)
	return sess
}

func (c *client) create(ctx context.Context, name string, args []string) {
	if c.sess != nil {
		fmt.Println("already in a room, /leave first")
		return
	}
	if len(args) < 1 {
		fmt.Println("usage: /create <title> [language] [level] [max]")
		return
	}
	language, level, maxP := "english", "beginner", 4
	title := args[0]
	if len(args) > 1 {
		language = args[1]
	}
	if len(args) > 2 {
		level = args[2]
	}
	if len(args) > 3 {
		if n, err := strconv.Atoi(args[3]); err == nil {
			maxP = n
		}
	}

	meta, err := domain.NewRoomMetadata(title, language, level, name, maxP)
	if err != nil {
		fmt.Println("invalid room:", err)
		return
	}

	sess := c.newSession()
	if err := sess.Create(ctx, name, *meta); err != nil {
		fmt.Println("failed to create room:", err)
		c.overlay = nil
		return
	}
	c.sess = sess
}

func (c *client) join(ctx context.Context, name, idOrCode string) {
	if c.sess != nil {
		fmt.Println("already in a room, /leave first")
		return
	}
	sess := c.newSession()
	if err := sess.Join(ctx, name, idOrCode); err != nil {
		fmt.Println("failed to join room:", err)
		c.overlay = nil
		return
	}
	c.sess = sess
}

func (c *client) listRooms(ctx context.Context) {
	rooms := c.dir.List(ctx)
	if len(rooms) == 0 {
		fmt.Println("no active rooms")
		return
	}
	for _, r := range rooms {
		fmt.Printf("%s  [%s]  %s — %s/%s, %d/%d, host %s\n",
			r.ID, r.ShortCode, r.Title, r.Language, r.Level,
			r.CurrentParticipants, r.MaxParticipants, r.HostName)
	}
}

func (c *client) toggleMic(ctx context.Context) {
	if c.overlay == nil {
		fmt.Println("not in a room")
		return
	}
	if c.overlay.Capturing() {
		c.overlay.DisableMicrophone()
		fmt.Println("* Microphone disabled")
		return
	}
	if err := c.overlay.EnableMicrophone(ctx); err != nil {
		fmt.Println("could not access microphone:", err)
		return
	}
	fmt.Println("* Microphone enabled")
}

func (c *client) toggleSpeaker() {
	if c.overlay == nil {
		fmt.Println("not in a room")
		return
	}
	muted := !c.overlay.SpeakerMuted()
	c.overlay.SetSpeakerMuted(muted)
	if muted {
		fmt.Println("* Speaker muted")
	} else {
		fmt.Println("* Speaker enabled")
	}
}

func (c *client) leave(ctx context.Context) {
	if c.overlay != nil {
		c.overlay.Close()
		c.overlay = nil
	}
	if c.sess != nil {
		c.sess.Leave(ctx)
		c.sess = nil
		fmt.Println("* Left the room")
	}
}
