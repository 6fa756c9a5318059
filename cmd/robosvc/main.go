// cmd/robosvc/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	config "github.com/sru-kri/BidCraft/configs"
	"github.com/sru-kri/BidCraft/internal/backend"
	"github.com/sru-kri/BidCraft/internal/models"
	"github.com/sru-kri/BidCraft/internal/session"
)

const SERVICE_NAME = "robot"

func init() {
	config.LoadEnv(SERVICE_NAME)
	instanceId := config.CreateUniqueInstance(SERVICE_NAME)
	config.Logging(SERVICE_NAME + "_service_" + instanceId[:8])
}

// Robot names - mix of first names only and first+last names
var robotNames = []string{
	"Abelo", "meron bekele", "dawit", "mulugeta", "ted",
	"yonas", "liya", "Bereket Alemu", "Eden", "Samuel Yimer",
	"rahel", "Daniel Negash", "Bethel", "Kidus Wolde", "Natan",
}

func main() {
	log.Printf("Starting Robot Service...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	b, err := backend.Open(ctx, cfg, SERVICE_NAME)
	if err != nil {
		log.Fatalf("Failed to open %s store: %v", cfg.StoreBackend, err)
	}
	defer b.Close()

	rnd := rand.New(rand.NewSource(time.Now().UnixNano()))
	bots := make([]*robot, 0, cfg.Robo.Count+1)
	newBot := func(name string) *robot {
		return newRobot(b, name, cfg, rnd.Int63())
	}

	code := cfg.Robo.RoomCode
	if code == "" {
		// no room to join: a hosting robot opens one and runs the game
		host := newBot("Robo Host")
		code, err = host.client.CreateRoom(ctx, host.name)
		if err != nil {
			log.Fatalf("Failed to create room: %v", err)
		}
		host.hosting = true
		bots = append(bots, host)
		log.Infof("robot host opened room %s", code)
	}

	for i := 0; i < cfg.Robo.Count; i++ {
		bot := newBot(robotNames[i%len(robotNames)])
		if err := bot.client.JoinRoom(ctx, code, bot.name); err != nil {
			log.Errorf("robot %s failed to join room %s: %v", bot.name, code, err)
			continue
		}
		bots = append(bots, bot)
	}
	log.Infof("%d robots in room %s", len(bots), code)

	var wg sync.WaitGroup
	for _, bot := range bots {
		wg.Add(1)
		go func(bot *robot) {
			defer wg.Done()
			bot.run(ctx)
		}(bot)
	}
	wg.Wait()

	for _, bot := range bots {
		leaveCtx, leaveCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := bot.client.LeaveRoom(leaveCtx); err != nil && !errors.Is(err, session.ErrNoRoom) {
			log.Errorf("robot %s failed to leave: %v", bot.name, err)
		}
		leaveCancel()
	}
	log.Infof("%s service stopped", SERVICE_NAME)
}

type robot struct {
	name      string
	client    *session.Client
	hosting   bool
	maxRounds int
	minThink  time.Duration
	maxThink  time.Duration

	rnd     *rand.Rand
	changed chan struct{}
}

func newRobot(b *backend.Backend, name string, cfg config.Config, seed int64) *robot {
	r := &robot{
		name:      name,
		maxRounds: cfg.MaxRounds,
		minThink:  cfg.Robo.MinThink,
		maxThink:  cfg.Robo.MaxThink,
		rnd:       rand.New(rand.NewSource(seed)),
		changed:   make(chan struct{}, 1),
	}
	r.client = session.NewClient(b.Store, b.Feed,
		session.WithLogger(log.WithField("robot", name)),
		session.OnChange(func(session.View) {
			select {
			case r.changed <- struct{}{}:
			default:
			}
		}))
	return r
}

func (r *robot) think() time.Duration {
	spread := r.maxThink - r.minThink
	if spread <= 0 {
		return r.minThink
	}
	return r.minThink + time.Duration(r.rnd.Int63n(int64(spread)))
}

// run reacts to room changes until the game ends or ctx is done.
func (r *robot) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.changed:
		}

		done, err := r.step(ctx)
		if err != nil {
			log.Warnf("robot %s: %v", r.name, err)
		}
		if done {
			return
		}
	}
}

// step performs at most one move for the current state.
func (r *robot) step(ctx context.Context) (bool, error) {
	v := r.client.Snapshot()
	if v.Room == nil || v.Me == nil {
		return true, nil
	}
	state := r.client.State()

	switch v.Room.Status {
	case models.StatusFinished:
		log.Infof("robot %s finished with %d", r.name, v.Me.Capital)
		return true, nil

	case models.StatusWaiting:
		if r.hosting && len(v.Players) > 1 {
			return false, r.client.StartGame(ctx)
		}
		return false, nil
	}

	if r.hosting && state.GameOver(r.maxRounds) {
		return false, r.client.FinishGame(ctx)
	}

	if !v.Me.IsEliminated && !v.Me.HasActed() && v.Event != nil {
		if !sleep(ctx, r.think()) {
			return true, nil
		}
		action := models.Actions[r.rnd.Intn(len(models.Actions))]
		result, err := r.client.Play(ctx, action)
		if errors.Is(err, session.ErrAlreadyActed) || errors.Is(err, session.ErrNotPlaying) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("play %s: %w", action, err)
		}
		log.Infof("robot %s round %d %s %+d%% -> %d", r.name, result.Round, action, result.Percent, result.CapitalAfter)
		return false, nil
	}

	if r.hosting && v.AllActed {
		if !sleep(ctx, r.minThink) {
			return true, nil
		}
		return false, r.client.NextRound(ctx)
	}
	return false, nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
