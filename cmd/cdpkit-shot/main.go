// cdpkit-shot is a command line utility that launches a browser, navigates
// to a URL, and saves a screenshot of the viewport to disk.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/cdpkit/cdpkit"
)

var (
	flagOut      = flag.String("o", "screenshot.png", "output file path")
	flagHeadless = flag.Bool("headless", true, "run the browser headless")
	flagQuality  = flag.Int64("quality", 90, "JPEG quality (ignored for .png)")
	flagTimeout  = flag.Duration("timeout", 30*time.Second, "overall timeout")
	flagVerbose  = flag.Bool("v", false, "log transport/process activity")
)

func main() {
	flag.Parse()
	if flag.NArg() != 1 {
		log.Fatal("usage: cdpkit-shot [flags] <url>")
	}
	urlstr := flag.Arg(0)

	ctx, cancel := context.WithTimeout(context.Background(), *flagTimeout)
	defer cancel()

	if err := shoot(ctx, urlstr, *flagOut, *flagQuality, *flagHeadless, *flagVerbose); err != nil {
		log.Fatal(err)
	}
}

func shoot(ctx context.Context, urlstr, out string, quality int64, headless, verbose bool) error {
	opts := cdpkit.NewOptions()
	opts.Headless = headless

	var procOpts []cdpkit.BrowserProcessOption
	var sessOpts []cdpkit.SessionManagerOption
	if verbose {
		procOpts = append(procOpts, cdpkit.WithProcessLogf(cdpkit.Logger.Printf))
		sessOpts = append(sessOpts, cdpkit.WithSessionManagerLogf(cdpkit.Logger.Printf))
	}

	proc := cdpkit.NewBrowserProcess(opts, procOpts...)
	if err := proc.Start(ctx); err != nil {
		return fmt.Errorf("launch: %w", err)
	}
	defer proc.Stop(context.Background())

	sessions := cdpkit.NewSessionManager(sessOpts...)
	defer sessions.Close()

	root, err := sessions.GetRootSession(ctx, proc.Addr())
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	contexts := cdpkit.NewContextManager(root, sessions, proc.Addr())
	if err := contexts.Init(ctx); err != nil {
		return fmt.Errorf("enumerate contexts: %w", err)
	}

	bctx := contexts.GetContext()
	if bctx == nil {
		bctx, err = contexts.NewContext(ctx)
		if err != nil {
			return fmt.Errorf("create context: %w", err)
		}
	}

	tab, err := bctx.NewTab(ctx, "about:blank")
	if err != nil {
		return fmt.Errorf("open tab: %w", err)
	}
	defer tab.Close(context.Background())

	if err := tab.GoTo(ctx, urlstr); err != nil {
		return fmt.Errorf("navigate to %s: %w", urlstr, err)
	}

	if _, err := tab.TakeScreenshot(ctx, out, quality, false); err != nil {
		return fmt.Errorf("screenshot: %w", err)
	}

	log.Printf("wrote %s", out)
	return nil
}
