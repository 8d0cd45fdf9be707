/*
 * Copyright (c) 2019 Miguel Ángel Ortuño.
 * See the LICENSE file for more information.
 */

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/corbel-im/corbel"
	"github.com/corbel-im/corbel/log"
	"github.com/corbel-im/corbel/session"
	"github.com/corbel-im/corbel/transport"
	"github.com/corbel-im/corbel/version"
	"github.com/corbel-im/corbel/xmpp"
	"github.com/corbel-im/corbel/xmpp/jid"
)

const defaultConfig = `
log:
  level: debug
session:
  jid: juliet@example.com
  resource: balcony
`

func main() {
	var configFile string
	var showVersion bool
	flag.StringVar(&configFile, "c", "", "Configuration file path.")
	flag.BoolVar(&showVersion, "v", false, "Show version.")
	flag.Parse()

	if showVersion {
		fmt.Printf("corbel-echo %v\n", version.Library)
		return
	}
	var cfg corbel.Config
	if len(configFile) > 0 {
		if err := cfg.FromFile(configFile); err != nil {
			fmt.Fprintf(os.Stderr, "corbel-echo: %v\n", err)
			os.Exit(1)
		}
	} else {
		if err := cfg.FromBuffer([]byte(defaultConfig)); err != nil {
			fmt.Fprintf(os.Stderr, "corbel-echo: %v\n", err)
			os.Exit(1)
		}
	}
	log.Initialize(&cfg.Log)
	defer log.Shutdown()

	clientTr, serverTr := transport.NewMemPair()
	srv := newEchoServer(serverTr, cfg.Session.JID.Domain(), map[string]string{
		cfg.Session.JID.Node(): "pencil",
	})
	serverTr.Bind(srv)

	s := session.New(&cfg.Session, clientTr)

	echoCh := make(chan xmpp.Stanza, 1)
	s.InboundStanzaStream().Subscribe(func(ev interface{}) {
		if st, ok := ev.(xmpp.Stanza); ok && st.Name() == xmpp.MessageName {
			echoCh <- st
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()

	if err := s.Login(ctx, "pencil"); err != nil {
		log.Fatalf("login failed: %v", err)
	}
	log.Infof("logged in as %s", s.JID())

	to, _ := jid.NewWithString(cfg.Session.JID.Domain())
	msg := xmpp.NewElementName(xmpp.MessageName)
	msg.SetID("echo-1")
	msg.SetType(xmpp.ChatType)
	body := xmpp.NewElementName("body")
	body.SetText("wherefore art thou")
	msg.AppendElement(body)

	stanza, err := xmpp.NewMessageFromElement(msg, s.JID(), to)
	if err != nil {
		log.Fatalf("building message: %v", err)
	}
	s.Send(stanza)

	select {
	case echoed := <-echoCh:
		log.Infof("echoed: %s", echoed.Elements().Child("body").Text())
	case <-ctx.Done():
		log.Fatalf("no echo received")
	}

	if err := s.Disconnect(ctx); err != nil {
		log.Errorf("disconnect: %v", err)
	}
	s.Dispose(ctx)
}
