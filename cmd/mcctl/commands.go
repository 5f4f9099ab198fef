package main

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/dropbox/gomc/errors"
	"github.com/dropbox/gomc/memcache"
	"github.com/dropbox/gomc/stats"
	"github.com/dropbox/gomc/time2"
)

// Counter expiration meaning "fail instead of seeding a missing counter".
const noSeed uint32 = 0xffffffff

func (a *app) render(title string, header table.Row, rows []table.Row) {
	t := table.NewWriter()
	t.SetStyle(table.StyleLight)
	if title != "" {
		t.SetTitle(title)
	}
	t.AppendHeader(header)
	t.AppendRows(rows)
	fmt.Fprintln(a.out, t.Render())
}

func (a *app) renderMetrics(metrics *stats.MemoryStatsFactory) {
	keys := metrics.Keys()
	rows := make([]table.Row, 0, len(keys))
	for _, key := range keys {
		rows = append(rows, table.Row{key, metrics.Value(key)})
	}
	a.render("metrics", table.Row{"Metric", "Value"}, rows)
}

func statusCell(resp memcache.Response) string {
	if err := resp.Error(); err != nil && resp.Status() == memcache.StatusNoError {
		return errors.GetMessage(err)
	}
	return resp.Status().String()
}

type getCmd struct {
	Cas  bool `long:"cas" description:"also fetch the cas id"`
	Raw  bool `long:"raw" description:"print only the value of a single key"`
	Args struct {
		Keys []string `positional-arg-name:"KEY" required:"1"`
	} `positional-args:"yes" required:"yes"`

	app *app
}

func (c *getCmd) Execute(args []string) error {
	return c.app.withClient(func(ctx context.Context, client memcache.Client) error {
		keys := c.Args.Keys
		if c.Raw {
			if len(keys) != 1 {
				return errors.New("--raw takes exactly one key")
			}
			resp := client.Get(ctx, keys[0])
			if err := resp.Error(); err != nil {
				return err
			}
			if resp.Status() == memcache.StatusKeyNotFound {
				return errors.Newf("%s not found", keys[0])
			}
			_, err := c.app.out.Write(resp.Value())
			return err
		}

		var responses map[string]memcache.GetResponse
		if c.Cas {
			responses = client.GetsMulti(ctx, keys)
		} else {
			responses = client.GetMulti(ctx, keys)
		}

		rows := make([]table.Row, 0, len(keys))
		for _, key := range keys {
			resp := responses[key]
			if resp == nil {
				continue
			}
			rows = append(rows, table.Row{
				key,
				statusCell(resp),
				resp.Flags(),
				resp.DataVersionId(),
				string(resp.Value()),
			})
		}
		c.app.render("", table.Row{"Key", "Status", "Flags", "CAS", "Value"}, rows)
		return nil
	})
}

type setCmd struct {
	Mode       string `short:"m" long:"mode" default:"set" choice:"set" choice:"add" choice:"replace" choice:"append" choice:"prepend" choice:"cas" description:"store command"`
	Flags      uint32 `short:"f" long:"flags" description:"opaque item flags"`
	Expiration uint32 `short:"e" long:"exp" description:"expiration in seconds, or a unix timestamp"`
	CasID      uint64 `long:"cas-id" description:"data version id for --mode=cas"`
	Args       struct {
		Key   string `positional-arg-name:"KEY"`
		Value string `positional-arg-name:"VALUE"`
	} `positional-args:"yes" required:"yes"`

	app *app
}

func (c *setCmd) Execute(args []string) error {
	return c.app.withClient(func(ctx context.Context, client memcache.Client) error {
		item := &memcache.Item{
			Key:           c.Args.Key,
			Value:         []byte(c.Args.Value),
			Flags:         c.Flags,
			Expiration:    c.Expiration,
			DataVersionId: c.CasID,
		}

		var resp memcache.MutateResponse
		switch c.Mode {
		case "add":
			resp = client.Add(ctx, item)
		case "replace":
			resp = client.Replace(ctx, item)
		case "append":
			resp = client.Append(ctx, item.Key, item.Value)
		case "prepend":
			resp = client.Prepend(ctx, item.Key, item.Value)
		case "cas":
			resp = client.Cas(ctx, item)
		default:
			item.DataVersionId = 0
			resp = client.Set(ctx, item)
		}

		fmt.Fprintf(c.app.out, "%s %s\n", c.Mode, statusCell(resp))
		return resp.Error()
	})
}

type deleteCmd struct {
	Args struct {
		Keys []string `positional-arg-name:"KEY" required:"1"`
	} `positional-args:"yes" required:"yes"`

	app *app
}

func (c *deleteCmd) Execute(args []string) error {
	return c.app.withClient(func(ctx context.Context, client memcache.Client) error {
		responses := client.DeleteMulti(ctx, c.Args.Keys)

		rows := make([]table.Row, 0, len(responses))
		for _, resp := range responses {
			rows = append(rows, table.Row{resp.Key(), statusCell(resp)})
		}
		sort.Slice(rows, func(i, j int) bool {
			return rows[i][0].(string) < rows[j][0].(string)
		})
		c.app.render("", table.Row{"Key", "Status"}, rows)
		return nil
	})
}

type incrCmd struct {
	Delta      uint64 `short:"d" long:"delta" default:"1" description:"amount to add"`
	Decrement  bool   `long:"decr" description:"subtract instead of add"`
	Initial    uint64 `short:"i" long:"initial" description:"seed value for a missing counter"`
	Seed       bool   `long:"seed" description:"create a missing counter with --initial"`
	Expiration uint32 `short:"e" long:"exp" description:"expiration of a seeded counter"`
	Args       struct {
		Key string `positional-arg-name:"KEY"`
	} `positional-args:"yes" required:"yes"`

	app *app
}

func (c *incrCmd) Execute(args []string) error {
	return c.app.withClient(func(ctx context.Context, client memcache.Client) error {
		expiration := noSeed
		if c.Seed {
			expiration = c.Expiration
		}

		var resp memcache.CountResponse
		if c.Decrement {
			resp = client.Decrement(ctx, c.Args.Key, c.Delta, c.Initial, expiration)
		} else {
			resp = client.Increment(ctx, c.Args.Key, c.Delta, c.Initial, expiration)
		}
		if err := resp.Error(); err != nil {
			return errors.Wrapf(err, "Could not update %s", c.Args.Key)
		}
		fmt.Fprintln(c.app.out, strconv.FormatUint(resp.Count(), 10))
		return nil
	})
}

type statsCmd struct {
	Count    int           `short:"n" long:"count" default:"1" description:"number of samples; 0 repeats until interrupted"`
	Interval time.Duration `short:"i" long:"interval" default:"5s" description:"time between samples"`
	Args     struct {
		Key string `positional-arg-name:"STATS_KEY" description:"e.g. items, slabs or settings"`
	} `positional-args:"yes"`

	app *app
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func (c *statsCmd) sample(ctx context.Context, client memcache.Client) error {
	resp := client.Stat(ctx, c.Args.Key)

	servers := make([]string, 0, len(resp.Entries()))
	for server := range resp.Entries() {
		servers = append(servers, server)
	}
	sort.Strings(servers)

	for _, server := range servers {
		entries := resp.Entries()[server]
		rows := make([]table.Row, 0, len(entries))
		for _, key := range sortedKeys(entries) {
			rows = append(rows, table.Row{key, entries[key]})
		}
		c.app.render(server, table.Row{"Stat", "Value"}, rows)
	}
	return resp.Error()
}

func (c *statsCmd) Execute(args []string) error {
	return c.app.withClient(func(ctx context.Context, client memcache.Client) error {
		for i := 0; c.Count == 0 || i < c.Count; i++ {
			if i > 0 {
				if err := time2.SleepOrExpire(ctx, c.Interval); err != nil {
					// Interrupted.
					return nil
				}
			}
			if err := c.sample(ctx, client); err != nil {
				return err
			}
		}
		return nil
	})
}

type versionCmd struct {
	app *app
}

func (c *versionCmd) Execute(args []string) error {
	return c.app.withClient(func(ctx context.Context, client memcache.Client) error {
		resp := client.Version(ctx)
		versions := resp.Versions()

		rows := make([]table.Row, 0, len(versions))
		for _, server := range sortedKeys(versions) {
			rows = append(rows, table.Row{server, versions[server]})
		}
		c.app.render("", table.Row{"Server", "Version"}, rows)
		return resp.Error()
	})
}

type flushCmd struct {
	Delay uint32 `long:"delay" description:"seconds before the items are invalidated"`

	app *app
}

func (c *flushCmd) Execute(args []string) error {
	return c.app.withClient(func(ctx context.Context, client memcache.Client) error {
		if err := client.Flush(ctx, c.Delay).Error(); err != nil {
			return err
		}
		c.app.log.Info("Flushed")
		return nil
	})
}
