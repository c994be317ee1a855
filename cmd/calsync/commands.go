package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"calsync/backend/internal/config"
	"calsync/backend/internal/domain"
	"calsync/backend/internal/service/freebusy"
	"calsync/backend/internal/service/links"
	"calsync/backend/internal/store"
)

func slotsCommand() *cli.Command {
	return &cli.Command{
		Name:  "slots",
		Usage: "Print the free slots of a shared link.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "link", Usage: "shared link id", Required: true},
			&cli.TimestampFlag{Name: "start", Usage: "window start (RFC 3339), default now", Layout: time.RFC3339},
			&cli.TimestampFlag{Name: "end", Usage: "window end (RFC 3339), default start + 7 days", Layout: time.RFC3339},
			&cli.IntFlag{Name: "duration", Usage: "slot length in minutes, default the link's"},
		},
		Action: func(c *cli.Context) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			svc, err := openServices(c.Context, log, cfg)
			if err != nil {
				return err
			}
			defer svc.Close(log)

			q := freebusy.LinkQuery{
				LinkID:          c.String("link"),
				DurationMinutes: c.Int("duration"),
			}
			if t := c.Timestamp("start"); t != nil {
				q.WindowStart = *t
			}
			if t := c.Timestamp("end"); t != nil {
				q.WindowEnd = *t
			}
			res, err := svc.freebusy.LinkSlots(c.Context, q)
			if err != nil {
				return err
			}
			printSlots(c.App.Writer, res)
			return nil
		},
	}
}

func printSlots(w io.Writer, res freebusy.LinkSlots) {
	fmt.Fprintf(w, "%s (%d min)\n", res.Link.Link.Name, res.Link.Link.SlotMinutes())
	if len(res.Slots) == 0 {
		fmt.Fprintln(w, "no free slots")
		return
	}
	for _, s := range res.Slots {
		fmt.Fprintf(w, "%s\t%s\t%s\n", s.Display(), s.Start.UTC().Format(time.RFC3339), s.End.UTC().Format(time.RFC3339))
	}
}

func seedCommand() *cli.Command {
	return &cli.Command{
		Name:  "seed",
		Usage: "Load calendars and shared links from the YAML calendars file.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "file", Usage: "calendars file, default calendars.file"},
		},
		Action: func(c *cli.Context) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			path := c.String("file")
			if path == "" {
				path = cfg.CalendarsFile
			}
			seed, err := config.LoadSeed(path)
			if err != nil {
				return err
			}

			svc, err := openServices(c.Context, log, cfg)
			if err != nil {
				return err
			}
			defer svc.Close(log)

			return applySeed(c.Context, log, seed, svc.calendars, svc.links)
		},
	}
}

type calendarUpserter interface {
	Upsert(ctx context.Context, cal domain.Calendar) (domain.Calendar, error)
}

type linkCreator interface {
	Create(ctx context.Context, in links.CreateInput) (domain.SharedLink, error)
}

// applySeed upserts every calendar, then creates the links. Links whose id
// already exists are left untouched.
func applySeed(ctx context.Context, log *slog.Logger, seed config.Seed, calendars calendarUpserter, linkSvc linkCreator) error {
	byName := make(map[string]uuid.UUID, len(seed.Calendars))
	for _, sc := range seed.Calendars {
		cal, err := sc.Calendar()
		if err != nil {
			return err
		}
		saved, err := calendars.Upsert(ctx, cal)
		if err != nil {
			return fmt.Errorf("calendar %q: %w", cal.Name, err)
		}
		byName[saved.Name] = saved.ID
		log.Info("calendar seeded", slog.String("calendar_id", saved.ID.String()), slog.String("kind", string(saved.Kind)), slog.String("name", saved.Name))
	}

	for _, sl := range seed.Links {
		ids, err := sl.ResolveCalendars(byName)
		if err != nil {
			return err
		}
		link, err := linkSvc.Create(ctx, links.CreateInput{
			LinkID:          sl.LinkID,
			Name:            sl.Name,
			Description:     sl.Description,
			CalendarIDs:     ids,
			DurationMinutes: sl.DurationMinutes,
		})
		if errors.Is(err, store.ErrConflict) {
			log.Info("link exists, skipped", slog.String("link_id", sl.LinkID))
			continue
		}
		if err != nil {
			return fmt.Errorf("link %q: %w", sl.Name, err)
		}
		log.Info("link seeded", slog.String("link_id", link.LinkID), slog.String("name", link.Name))
	}
	return nil
}

func linksCommand() *cli.Command {
	return &cli.Command{
		Name:  "links",
		Usage: "Manage shared links.",
		Subcommands: []*cli.Command{
			{
				Name:  "create",
				Usage: "Create a shared link over one or more calendars.",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "name", Required: true},
					&cli.StringFlag{Name: "description"},
					&cli.StringSliceFlag{Name: "calendar", Usage: "calendar id, repeatable", Required: true},
					&cli.IntFlag{Name: "duration", Usage: "slot length in minutes"},
					&cli.StringFlag{Name: "id", Usage: "link id, generated when empty"},
				},
				Action: func(c *cli.Context) error {
					ids, err := parseCalendarIDs(c.StringSlice("calendar"))
					if err != nil {
						return err
					}
					cfg, log, err := loadConfig()
					if err != nil {
						return err
					}
					svc, err := openServices(c.Context, log, cfg)
					if err != nil {
						return err
					}
					defer svc.Close(log)

					link, err := svc.links.Create(c.Context, links.CreateInput{
						LinkID:          c.String("id"),
						Name:            c.String("name"),
						Description:     c.String("description"),
						CalendarIDs:     ids,
						DurationMinutes: c.Int("duration"),
					})
					if err != nil {
						return err
					}
					fmt.Fprintln(c.App.Writer, link.LinkID)
					return nil
				},
			},
			{
				Name:      "deactivate",
				Usage:     "Stop a shared link from serving slots.",
				ArgsUsage: "<link-id>",
				Action: func(c *cli.Context) error {
					if c.NArg() != 1 {
						return cli.Exit("expected exactly one link id", 2)
					}
					cfg, log, err := loadConfig()
					if err != nil {
						return err
					}
					svc, err := openServices(c.Context, log, cfg)
					if err != nil {
						return err
					}
					defer svc.Close(log)

					return svc.links.Deactivate(c.Context, c.Args().First())
				},
			},
		},
	}
}

func parseCalendarIDs(raw []string) ([]uuid.UUID, error) {
	ids := make([]uuid.UUID, 0, len(raw))
	for _, r := range raw {
		id, err := uuid.Parse(r)
		if err != nil {
			return nil, fmt.Errorf("calendar %q: %w", r, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
