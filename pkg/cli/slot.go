package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/rendezvous/pkg/model"
	"github.com/m-mizutani/rendezvous/pkg/usecase/scheduling"
	"github.com/urfave/cli/v3"
)

func slotCommand() *cli.Command {
	return &cli.Command{
		Name:  "slot",
		Usage: "Manage meeting slots",
		Commands: []*cli.Command{
			slotListCommand(),
			slotAddCommand(),
			slotBookCommand(),
			slotSeedCommand(),
		},
	}
}

func parseTime(name, value string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, goerr.Wrap(err, "time must be RFC3339, e.g. 2025-07-01T10:00:00Z",
			goerr.V("flag", name), goerr.V("value", value))
	}
	return t, nil
}

func parseRange(from, to string) (model.TimeRange, error) {
	start, err := parseTime("start", from)
	if err != nil {
		return model.TimeRange{}, err
	}
	end, err := parseTime("end", to)
	if err != nil {
		return model.TimeRange{}, err
	}
	return model.TimeRange{From: start, To: end}, nil
}

func printSlot(w io.Writer, s *model.Slot) {
	state := "free"
	if s.Booked {
		state = "booked"
	}
	fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
		s.ID,
		s.StartAt.Format(time.RFC3339),
		s.EndAt.Format(time.RFC3339),
		state,
		s.Title,
		s.ContactName,
	)
}

func rangeFlags(start, end *string) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "start",
			Aliases:     []string{"s"},
			Usage:       "Start time (RFC3339)",
			Destination: start,
		},
		&cli.StringFlag{
			Name:        "end",
			Aliases:     []string{"e"},
			Usage:       "End time (RFC3339)",
			Destination: end,
		},
	}
}

func slotListCommand() *cli.Command {
	var (
		cfg        config
		start, end string
		freeOnly   bool
	)

	flags := rangeFlags(&start, &end)
	flags = append(flags, &cli.BoolFlag{
		Name:        "free",
		Aliases:     []string{"f"},
		Usage:       "Show only free slots",
		Destination: &freeOnly,
	})
	flags = append(flags, globalFlags(&cfg)...)

	return &cli.Command{
		Name:  "list",
		Usage: "List slots overlapping a range (default: the next 7 days)",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			now := time.Now().UTC()
			r := model.TimeRange{From: now, To: now.Add(7 * 24 * time.Hour)}
			if start != "" || end != "" {
				var err error
				if r, err = parseRange(start, end); err != nil {
					return err
				}
			}

			repo, err := cfg.newRepository(ctx)
			if err != nil {
				return err
			}
			defer repo.Close()
			uc := cfg.newScheduling(repo)

			var slots []*model.Slot
			if freeOnly {
				slots, err = uc.GetFreeSlots(ctx, r)
			} else {
				slots, err = uc.ListSlots(ctx, r)
			}
			if err != nil {
				return goerr.Wrap(err, "failed to list slots")
			}

			if len(slots) == 0 {
				fmt.Fprintf(c.Root().Writer, "No slots between %s and %s\n",
					r.From.Format(time.RFC3339), r.To.Format(time.RFC3339))
				return nil
			}
			for _, s := range slots {
				printSlot(c.Root().Writer, s)
			}
			return nil
		},
	}
}

func bookingFlags(b *model.Booking) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "title",
			Aliases:     []string{"t"},
			Usage:       "Meeting title",
			Destination: &b.Title,
		},
		&cli.StringFlag{
			Name:        "description",
			Usage:       "Meeting description",
			Destination: &b.Description,
		},
		&cli.StringFlag{
			Name:        "contact-name",
			Usage:       "Name of the person meeting",
			Destination: &b.ContactName,
		},
		&cli.StringFlag{
			Name:        "contact-phone",
			Usage:       "Phone number of the person meeting",
			Destination: &b.ContactPhone,
		},
	}
}

func slotAddCommand() *cli.Command {
	var (
		cfg        config
		start, end string
		details    model.Booking
	)

	flags := rangeFlags(&start, &end)
	flags = append(flags, bookingFlags(&details)...)
	flags = append(flags, globalFlags(&cfg)...)

	return &cli.Command{
		Name:  "add",
		Usage: "Add a potential (free) slot",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			r, err := parseRange(start, end)
			if err != nil {
				return err
			}

			repo, err := cfg.newRepository(ctx)
			if err != nil {
				return err
			}
			defer repo.Close()

			slot, err := cfg.newScheduling(repo).AddPotentialSlot(ctx, scheduling.SlotInput{
				Title:        details.Title,
				Description:  details.Description,
				ContactName:  details.ContactName,
				ContactPhone: details.ContactPhone,
				Range:        r,
			})
			if err != nil {
				return goerr.Wrap(err, "failed to add slot")
			}

			printSlot(c.Root().Writer, slot)
			return nil
		},
	}
}

func slotBookCommand() *cli.Command {
	var (
		cfg        config
		slotID     string
		start, end string
		booking    model.Booking
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "id",
			Aliases:     []string{"i"},
			Usage:       "Slot to book; without it --start and --end book out of band",
			Destination: &slotID,
		},
	}
	flags = append(flags, rangeFlags(&start, &end)...)
	flags = append(flags, bookingFlags(&booking)...)
	flags = append(flags, globalFlags(&cfg)...)
	flags = append(flags, schedulingFlags(&cfg)...)

	return &cli.Command{
		Name:  "book",
		Usage: "Book a meeting",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			req := scheduling.ScheduleRequest{
				SlotID:  model.SlotID(slotID),
				Booking: booking,
			}
			if slotID == "" {
				r, err := parseRange(start, end)
				if err != nil {
					return err
				}
				req.Range = r
			}

			repo, err := cfg.newRepository(ctx)
			if err != nil {
				return err
			}
			defer repo.Close()

			slot, err := cfg.newScheduling(repo).ScheduleMeeting(ctx, req)
			if err != nil {
				return goerr.Wrap(err, "failed to book meeting")
			}

			if slotID != "" && slot.ID != model.SlotID(slotID) {
				fmt.Fprintf(c.Root().Writer, "Slot %s was taken, booked an alternative\n", slotID)
			}
			printSlot(c.Root().Writer, slot)
			return nil
		},
	}
}

func slotSeedCommand() *cli.Command {
	var cfg config

	return &cli.Command{
		Name:  "seed",
		Usage: "Insert demo slots into an empty slot collection",
		Flags: globalFlags(&cfg),
		Action: func(ctx context.Context, c *cli.Command) error {
			repo, err := cfg.newRepository(ctx)
			if err != nil {
				return err
			}
			defer repo.Close()

			slots, err := cfg.newScheduling(repo).Seed(ctx)
			if err != nil {
				return goerr.Wrap(err, "failed to seed slots")
			}

			if len(slots) == 0 {
				fmt.Fprintln(c.Root().Writer, "Slot collection is not empty, nothing seeded")
				return nil
			}
			for _, s := range slots {
				printSlot(c.Root().Writer, s)
			}
			return nil
		},
	}
}
