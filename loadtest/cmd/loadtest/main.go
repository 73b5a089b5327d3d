// Command loadtest drives a room server with synthetic game clients.
// The chat scenario fills rooms with clients trading chat lines and
// measures echo round trips; the connect scenario churns connections to
// exercise admission, the ban gauntlet, and slot recycling.
package main

import (
	"flag"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/boardspace/roomserver/loadtest/client"
	"github.com/boardspace/roomserver/loadtest/stats"
)

func main() {
	addr := flag.String("addr", "localhost:12000", "game server address")
	clients := flag.Int("clients", 50, "concurrent clients")
	rooms := flag.Int("rooms", 10, "rooms to spread clients over")
	duration := flag.Duration("duration", 30*time.Second, "test duration")
	scenario := flag.String("scenario", "chat", "chat or connect")
	flag.Parse()

	collector := stats.NewCollector()
	deadline := time.Now().Add(*duration)

	var wg sync.WaitGroup
	for i := 0; i < *clients; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			room := 1 + id%*rooms
			switch *scenario {
			case "connect":
				runConnect(*addr, id, room, deadline, collector)
			default:
				runChat(*addr, id, room, deadline, collector)
			}
		}(i)
		// stagger the ramp so the accept queue is realistic
		time.Sleep(10 * time.Millisecond)
	}
	wg.Wait()
	collector.Report()
}

const ioTimeout = 10 * time.Second

// runChat keeps one client in a room chatting until the deadline.
func runChat(addr string, id, room int, deadline time.Time, c *stats.Collector) {
	name := fmt.Sprintf("load%d", id)
	start := time.Now()
	cl, err := client.Dial(addr, name, 1000+id)
	if err != nil {
		log.Printf("%s: dial: %v", name, err)
		c.AddError()
		return
	}
	defer cl.Close()
	if err := cl.Intro(room, ioTimeout); err != nil {
		log.Printf("%s: intro: %v", name, err)
		c.AddError()
		return
	}
	c.AddConnect(time.Since(start))

	for time.Now().Before(deadline) {
		var d time.Duration
		var err error
		if rand.Intn(5) == 0 {
			d, err = cl.Ping(ioTimeout)
		} else {
			d, err = cl.Chat(fmt.Sprintf("hello from %s %d", name, rand.Int()), ioTimeout)
		}
		if err != nil {
			log.Printf("%s: %v", name, err)
			c.AddError()
			return
		}
		c.AddRTT(d)
		time.Sleep(time.Duration(200+rand.Intn(800)) * time.Millisecond)
	}
	cl.Quit()
}

// runConnect churns connect/intro/quit cycles until the deadline.
func runConnect(addr string, id, room int, deadline time.Time, c *stats.Collector) {
	for time.Now().Before(deadline) {
		name := fmt.Sprintf("churn%d", id)
		start := time.Now()
		cl, err := client.Dial(addr, name, 2000+id)
		if err != nil {
			c.AddError()
			time.Sleep(time.Second)
			continue
		}
		if err := cl.Intro(room, ioTimeout); err != nil {
			c.AddError()
			cl.Close()
			time.Sleep(time.Second)
			continue
		}
		c.AddConnect(time.Since(start))
		cl.Quit()
		cl.Close()
		time.Sleep(time.Duration(500+rand.Intn(1000)) * time.Millisecond)
	}
}
