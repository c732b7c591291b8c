// Command rsocket-echo is a small demonstration server and client, the
// role the teacher's cmd/raptest plays for RAP: a two-flag binary driving
// the library end to end, using the standard flag package since a single
// demo command has no need for a CLI framework (DESIGN.md).
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/rsocket/rsocket-go"
)

type echoResponder struct {
	rsocket.UnimplementedResponder
}

func (echoResponder) HandleRequestResponse(ctx context.Context, p rsocket.Payload) (rsocket.Payload, error) {
	return rsocket.NewPayloadString(p.DataString() + " world"), nil
}

func (echoResponder) HandleRequestStream(ctx context.Context, p rsocket.Payload) (rsocket.PayloadProducer, error) {
	items := make([]rsocket.Payload, 0, 100)
	for i := 0; i < 100; i++ {
		items = append(items, rsocket.NewPayloadString(fmt.Sprintf("%s %d", p.DataString(), i)))
	}
	return rsocket.SliceProducer(items), nil
}

func (echoResponder) HandleRequestChannel(ctx context.Context, inbound rsocket.PayloadProducer, first rsocket.Payload) (rsocket.PayloadProducer, error) {
	out := make(chan rsocket.Payload)
	go func() {
		defer close(out)
		out <- rsocket.NewPayloadString(first.DataString() + "_echo")
		for {
			p, ok, err := inbound.Next(ctx)
			if err != nil || !ok {
				return
			}
			out <- rsocket.NewPayloadString(p.DataString() + "_echo")
		}
	}()
	return &channelProducer{out: out}, nil
}

type channelProducer struct{ out <-chan rsocket.Payload }

func (c *channelProducer) Next(ctx context.Context) (rsocket.Payload, bool, error) {
	p, ok := <-c.out
	return p, ok, nil
}

func main() {
	listen := flag.String("listen", "", "address:port to listen on as a server")
	connect := flag.String("connect", "", "address:port to connect to as a client")
	flag.Parse()

	if *listen == "" && *connect == "" {
		log.Fatal("one of -listen or -connect is required")
	}

	if *listen != "" {
		runServer(*listen)
		return
	}
	runClient(*connect)
}

func runServer(addr string) {
	ln, err := rsocket.ListenTCP(addr)
	if err != nil {
		log.Fatal(err)
	}
	log.Print("listening on ", addr)
	for {
		conn, err := ln.Accept()
		if err != nil {
			log.Print(err)
			continue
		}
		go func() {
			_, err := rsocket.Accept(rsocket.NewTCPDuplexConnection(conn), rsocket.ServerConfig{
				Handler: echoResponder{},
			})
			if err != nil {
				log.Print(err)
			}
		}()
	}
}

func runClient(addr string) {
	transport, err := rsocket.DialTCP(addr, 5*time.Second)
	if err != nil {
		log.Fatal(err)
	}
	socket, err := rsocket.Connect(transport, rsocket.ClientConfig{
		Setup: rsocket.SetupConfig{
			KeepalivePeriod: 30 * time.Second,
			MaxLifetime:     2 * time.Minute,
		},
	})
	if err != nil {
		log.Fatal(err)
	}
	defer socket.Close()

	ctx := context.Background()
	resp, err := socket.RequestResponse(ctx, rsocket.NewPayloadString("hello"))
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(resp.DataString())
}
