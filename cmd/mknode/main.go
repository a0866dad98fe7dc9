// Command mknode runs a microkernel node: the actor runtime, the namespace
// service, a capability actor, a mount listener for peers, and optionally
// a filesystem watch bridge.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/Foundation42/microkernel/internal/fswatch"
	"github.com/Foundation42/microkernel/internal/kernel"
	"github.com/Foundation42/microkernel/internal/ns"
)

func main() {
	var (
		listenPort = flag.Int("listen", ns.DefaultPort, "mount listener port (-1 disables)")
		connect    = flag.String("connect", "", "peer to mount, host:port")
		maxActors  = flag.Int("max-actors", 1024, "actor table size")
		logLevel   = flag.String("log-level", "info", "trace|debug|info|warn|error")
		watch      = flag.String("watch", "", "directory to watch for changes")
	)
	flag.Parse()

	log := logrus.New()
	level, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bad log level %q\n", *logLevel)
		os.Exit(2)
	}
	log.SetLevel(level)

	if err := run(log, *listenPort, *connect, *maxActors, *watch); err != nil {
		log.WithError(err).Fatal("node failed")
	}
}

func run(log *logrus.Logger, listenPort int, connect string, maxActors int, watch string) error {
	nodeID := ns.NodeID()
	identity := ns.Identity()
	log.WithFields(logrus.Fields{
		"node":     nodeID,
		"identity": identity,
		"version":  ns.Version,
	}).Info("starting node")

	rt := kernel.NewRuntime(nodeID, maxActors)
	defer rt.Close()
	rt.Logger().SetLevel(log.Level)

	svc, err := ns.Init(rt)
	if err != nil {
		return err
	}
	if _, err := ns.CapsInit(rt); err != nil {
		return err
	}
	spawnLogActor(rt, log)

	if err := installSignalStop(rt, log); err != nil {
		return err
	}

	if listenPort >= 0 {
		_, port, err := ns.MountListen(rt, svc, listenPort)
		if err != nil {
			return err
		}
		log.WithField("port", port).Info("mount listener ready")
	}

	if connect != "" {
		host, port, err := splitHostPort(connect)
		if err != nil {
			return err
		}
		res, err := ns.MountConnect(rt, svc, host, port)
		if err != nil {
			return err
		}
		log.WithFields(logrus.Fields{
			"peer":     res.Peer,
			"identity": res.Identity,
		}).Info("mounted peer")
	}

	if watch != "" {
		bridge, err := fswatch.Init(rt, watch)
		if err != nil {
			return err
		}
		spawnWatchLogger(rt, log, bridge.ActorID())
	}

	rt.Run()
	log.Info("node stopped")
	return nil
}

func splitHostPort(s string) (string, int, error) {
	i := strings.LastIndexByte(s, ':')
	if i < 0 {
		return s, ns.DefaultPort, nil
	}
	port, err := strconv.Atoi(s[i+1:])
	if err != nil {
		return "", 0, fmt.Errorf("bad port in %q", s)
	}
	return s[:i], port, nil
}

// spawnLogActor binds "log": any actor can send MsgLog with a text payload
// and have it land in the node's structured log.
func spawnLogActor(rt *kernel.Runtime, log *logrus.Logger) {
	id := rt.Spawn(func(_ *kernel.Runtime, _ *kernel.Actor, msg *kernel.Message) bool {
		if msg.Type == kernel.MsgLog {
			log.WithField("from", msg.Source).Info(string(msg.Payload))
		}
		return true
	}, nil, nil, 64)
	rt.RegisterName("log", id)
}

// spawnWatchLogger subscribes to the fswatch bridge and logs change events.
func spawnWatchLogger(rt *kernel.Runtime, log *logrus.Logger, bridge kernel.ActorID) {
	const msgKick kernel.MsgType = 0x1
	id := rt.Spawn(func(rt *kernel.Runtime, _ *kernel.Actor, msg *kernel.Message) bool {
		switch msg.Type {
		case msgKick:
			rt.Send(bridge, fswatch.MsgSubscribe, nil)
		case fswatch.MsgFsEvent:
			if op, name, ok := fswatch.DecodeEvent(msg.Payload); ok {
				log.WithFields(logrus.Fields{"op": op, "path": name}).Info("fs change")
			}
		}
		return true
	}, nil, nil, 32)
	rt.Deliver(id, msgKick, nil)
}

// installSignalStop bridges SIGINT/SIGTERM into the runtime through a pipe
// so the stop happens on the scheduling thread.
func installSignalStop(rt *kernel.Runtime, log *logrus.Logger) error {
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return err
	}
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		var one [1]byte
		unix.Write(p[1], one[:])
	}()

	const msgArm kernel.MsgType = 0x1
	id := rt.Spawn(func(rt *kernel.Runtime, _ *kernel.Actor, msg *kernel.Message) bool {
		switch msg.Type {
		case msgArm:
			rt.WatchFD(p[0], kernel.FDEventIn)
		case kernel.MsgFDEvent:
			log.Info("shutdown signal")
			rt.Stop()
		}
		return true
	}, nil, nil, 4)
	rt.Deliver(id, msgArm, nil)
	rt.Step()
	return nil
}
