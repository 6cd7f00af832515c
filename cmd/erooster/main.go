// Command erooster runs the IMAP and SMTP servers from a single config
// file.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"log"
	"net"
	"os"
	"os/signal"
	"sync"
	"time"

	"crawshaw.io/iox"

	"erooster.dev/internal/acceptance"
	"erooster.dev/internal/config"
	"erooster.dev/internal/contentfilter"
	"erooster.dev/internal/db"
	"erooster.dev/internal/devcert"
	"erooster.dev/internal/dkim"
	"erooster.dev/internal/imap/imapserver"
	"erooster.dev/internal/maildirstore"
	"erooster.dev/internal/outbound"
	"erooster.dev/internal/queue"
	"erooster.dev/internal/smtp/smtpclient"
	"erooster.dev/internal/smtp/smtpserver"
	"erooster.dev/internal/userdb"
)

func main() {
	log.SetFlags(0)

	flagConfig := flag.String("config", "/etc/erooster/config.yaml", "path to the server config file")
	flagDev := flag.Bool("dev", false, "serve TLS with a local mkcert certificate instead of cfg.tls")
	flag.Parse()

	cfg, err := config.Load(*flagConfig)
	if err != nil {
		log.Fatalf("erooster: %v", err)
	}

	filer := iox.NewFiler(0)

	pool, err := db.Open(cfg.Database.ConnString)
	if err != nil {
		log.Fatalf("erooster: opening database: %v", err)
	}
	users := userdb.New(pool)

	registries := db.NewFolderRegistries()
	store := maildirstore.New(cfg.MaildirRoot, registries.Open)

	keyPEM, err := os.ReadFile(cfg.DKIM.KeyPath)
	if err != nil {
		log.Fatalf("erooster: reading dkim.key_path: %v", err)
	}
	signer, err := dkim.NewSigner(keyPEM)
	if err != nil {
		log.Fatalf("erooster: loading DKIM key: %v", err)
	}
	signer.Domain = cfg.Mail.Hostname
	signer.Selector = cfg.DKIM.Selector

	q, err := queue.Open(cfg.QueueDir)
	if err != nil {
		log.Fatalf("erooster: opening outbound queue: %v", err)
	}

	cf := contentfilter.New(cfg.ContentFilter.Endpoint, time.Duration(cfg.ContentFilter.Timeout))

	pipeline := &acceptance.Pipeline{
		Hostname:      cfg.Mail.Hostname,
		Store:         store,
		Queue:         q,
		ContentFilter: cf,
		Logf:          log.Printf,
	}

	client := smtpclient.NewClient(cfg.Mail.Hostname)
	sender := outbound.NewSender(q, client, signer)
	go sender.Run()

	var tlsConfig *tls.Config
	if *flagDev {
		tlsConfig, err = devcert.Config()
		if err != nil {
			log.Fatalf("erooster: %v", err)
		}
	} else {
		cert, err := tls.LoadX509KeyPair(cfg.TLS.CertPath, cfg.TLS.KeyPath)
		if err != nil {
			log.Fatalf("erooster: loading TLS certificate: %v", err)
		}
		tlsConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	}

	var wg sync.WaitGroup

	for _, addr := range cfg.IMAP.ListenAddrs {
		addr := addr
		wg.Add(1)
		go func() {
			defer wg.Done()
			serveIMAP(addr, &imapserver.Server{
				Hostname:  cfg.Mail.Hostname,
				Store:     store,
				Users:     users,
				TLSConfig: tlsConfig,
				Logf:      log.Printf,
			}, false)
		}()
	}
	for _, addr := range cfg.IMAP.ImplicitTLSAddrs {
		addr := addr
		wg.Add(1)
		go func() {
			defer wg.Done()
			serveIMAP(addr, &imapserver.Server{
				Hostname:  cfg.Mail.Hostname,
				Store:     store,
				Users:     users,
				TLSConfig: tlsConfig,
				Logf:      log.Printf,
			}, true)
		}()
	}

	for _, addr := range cfg.SMTP.ListenAddrs {
		addr := addr
		wg.Add(1)
		go func() {
			defer wg.Done()
			serveSMTP(addr, &smtpserver.Server{
				Hostname:  cfg.Mail.Hostname,
				Product:   cfg.Mail.DisplayName,
				Users:     users,
				Accept:    pipeline,
				TLSConfig: tlsConfig,
				Filer:     filer,
				Logf:      log.Printf,
			}, false)
		}()
	}
	for _, addr := range cfg.SMTP.SubmissionAddrs {
		addr := addr
		wg.Add(1)
		go func() {
			defer wg.Done()
			serveSMTP(addr, &smtpserver.Server{
				Hostname:  cfg.Mail.Hostname,
				Product:   cfg.Mail.DisplayName,
				Users:     users,
				Accept:    pipeline,
				TLSConfig: tlsConfig,
				Filer:     filer,
				Logf:      log.Printf,
			}, false)
		}()
	}
	for _, addr := range cfg.SMTP.ImplicitTLSAddrs {
		addr := addr
		wg.Add(1)
		go func() {
			defer wg.Done()
			serveSMTP(addr, &smtpserver.Server{
				Hostname:    cfg.Mail.Hostname,
				Product:     cfg.Mail.DisplayName,
				Users:       users,
				Accept:      pipeline,
				TLSConfig:   tlsConfig,
				ImplicitTLS: true,
				Filer:       filer,
				Logf:        log.Printf,
			}, true)
		}()
	}

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	<-interrupt
	log.Printf("erooster: shutting down")
	sender.Shutdown()
}

func serveIMAP(addr string, server *imapserver.Server, implicitTLS bool) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		log.Fatalf("erooster: IMAP %s: %v", addr, err)
	}
	if implicitTLS {
		ln = tls.NewListener(ln, server.TLSConfig)
	}
	log.Printf("erooster: IMAP listening on %s (implicit TLS: %v)", ln.Addr(), implicitTLS)
	for {
		conn, err := ln.Accept()
		if err != nil {
			log.Printf("erooster: IMAP %s: accept: %v", addr, err)
			return
		}
		go func() {
			if err := imapserver.Serve(context.Background(), conn, server); err != nil {
				log.Printf("erooster: IMAP session %s: %v", conn.RemoteAddr(), err)
			}
		}()
	}
}

func serveSMTP(addr string, server *smtpserver.Server, implicitTLS bool) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		log.Fatalf("erooster: SMTP %s: %v", addr, err)
	}
	if implicitTLS {
		ln = tls.NewListener(ln, server.TLSConfig)
	}
	log.Printf("erooster: SMTP listening on %s (implicit TLS: %v)", ln.Addr(), implicitTLS)
	for {
		conn, err := ln.Accept()
		if err != nil {
			log.Printf("erooster: SMTP %s: accept: %v", addr, err)
			return
		}
		go func() {
			if err := smtpserver.Serve(context.Background(), conn, server); err != nil {
				log.Printf("erooster: SMTP session %s: %v", conn.RemoteAddr(), err)
			}
		}()
	}
}
