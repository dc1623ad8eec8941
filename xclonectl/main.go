package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/docopt/docopt-go"
	"github.com/joho/godotenv"
	"golang.org/x/term"

	xclone "github.com/MohammedBm/x-clone"
)

const XCloneCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `X clone control.

The default urls are read from the environment (or a .env file):
    X_API_URL, X_REALTIME_URL
Storage settings for post media:
    X_STORAGE_ENDPOINT, X_STORAGE_REGION, X_STORAGE_ACCESS_KEY_ID,
    X_STORAGE_SECRET_ACCESS_KEY, X_STORAGE_BUCKET, X_STORAGE_PUBLIC_URL

Usage:
    xclonectl signup [--api_url=<api_url>] --name=<name> --email=<email>
    xclonectl login [--api_url=<api_url>] --email=<email>
    xclonectl feed [--api_url=<api_url>] [--realtime_url=<realtime_url>]
        --jwt=<jwt>
        [--pages=<pages>]
        [--follow]
    xclonectl post [--api_url=<api_url>] --jwt=<jwt>
        [--file=<file>]
        [<body>]
    xclonectl like [--api_url=<api_url>] [--realtime_url=<realtime_url>] --jwt=<jwt> <post_id>
    xclonectl comment [--api_url=<api_url>] [--realtime_url=<realtime_url>] --jwt=<jwt>
        <post_id> <comment>
    xclonectl profile [--api_url=<api_url>] --jwt=<jwt>

Options:
    -h --help                      Show this screen.
    --version                      Show version.
    --api_url=<api_url>
    --realtime_url=<realtime_url>
    --name=<name>
    --email=<email>
    --jwt=<jwt>                    Your session JWT.
    --pages=<pages>                Fetch this many feed pages. [default: 1]
    --file=<file>                  Attach a local image or video.
    --follow                       Keep running and print live feed changes.`

	godotenv.Load()

	opts, err := docopt.ParseArgs(usage, os.Args[1:], XCloneCtlVersion)
	if err != nil {
		panic(err)
	}

	if signup_, _ := opts.Bool("signup"); signup_ {
		signup(opts)
	} else if login_, _ := opts.Bool("login"); login_ {
		login(opts)
	} else if feed_, _ := opts.Bool("feed"); feed_ {
		feed(opts)
	} else if post_, _ := opts.Bool("post"); post_ {
		newPost(opts)
	} else if like_, _ := opts.Bool("like"); like_ {
		like(opts)
	} else if comment_, _ := opts.Bool("comment"); comment_ {
		comment(opts)
	} else if profile_, _ := opts.Bool("profile"); profile_ {
		profile(opts)
	}
}

func apiUrl(opts docopt.Opts) string {
	if apiUrl, err := opts.String("--api_url"); err == nil && apiUrl != "" {
		return apiUrl
	}
	if apiUrl := os.Getenv("X_API_URL"); apiUrl != "" {
		return apiUrl
	}
	return "https://api.x-clone.dev"
}

func realtimeUrl(opts docopt.Opts) string {
	if realtimeUrl, err := opts.String("--realtime_url"); err == nil && realtimeUrl != "" {
		return realtimeUrl
	}
	if realtimeUrl := os.Getenv("X_REALTIME_URL"); realtimeUrl != "" {
		return realtimeUrl
	}
	return "wss://realtime.x-clone.dev"
}

func newApi(opts docopt.Opts) *xclone.XCloneApi {
	api := xclone.NewXCloneApi(apiUrl(opts))
	if jwt, err := opts.String("--jwt"); err == nil {
		api.SetJwt(jwt)
	}
	return api
}

func sessionUserId(opts docopt.Opts) xclone.Id {
	jwt, _ := opts.String("--jwt")
	authJwt, err := xclone.ParseAuthJwtUnverified(jwt)
	if err != nil {
		Err.Fatalf("Could not parse jwt: %s", err)
	}
	return authJwt.UserId
}

func readPassword() string {
	fmt.Fprint(os.Stderr, "Password: ")
	passwordBytes, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		Err.Fatalf("Could not read password: %s", err)
	}
	return string(passwordBytes)
}

func newStorage() *xclone.StorageClient {
	endpoint := os.Getenv("X_STORAGE_ENDPOINT")
	if endpoint == "" {
		return nil
	}
	return xclone.NewStorageClient(&xclone.StorageConfig{
		Endpoint:        endpoint,
		Region:          os.Getenv("X_STORAGE_REGION"),
		AccessKeyId:     os.Getenv("X_STORAGE_ACCESS_KEY_ID"),
		SecretAccessKey: os.Getenv("X_STORAGE_SECRET_ACCESS_KEY"),
		Bucket:          os.Getenv("X_STORAGE_BUCKET"),
		PublicUrl:       os.Getenv("X_STORAGE_PUBLIC_URL"),
	})
}

func signup(opts docopt.Opts) {
	name, _ := opts.String("--name")
	email, _ := opts.String("--email")
	password := readPassword()

	api := xclone.NewXCloneApi(apiUrl(opts))
	auth := xclone.NewAuthClient(context.Background(), api)
	session, err := auth.Signup(name, email, password)
	if err != nil {
		Err.Fatalf("Signup failed: %s", err)
	}
	Out.Printf("%s", session.Jwt)
}

func login(opts docopt.Opts) {
	email, _ := opts.String("--email")
	password := readPassword()

	api := xclone.NewXCloneApi(apiUrl(opts))
	auth := xclone.NewAuthClient(context.Background(), api)
	session, err := auth.LoginWithPassword(email, password)
	if err != nil {
		Err.Fatalf("Login failed: %s", err)
	}
	Out.Printf("%s", session.Jwt)
}

func printPost(post *xclone.Post, prefix string) {
	name := ""
	if post.User != nil {
		name = post.User.Name
	}
	when := ""
	if t := post.CreatedTime(); !t.IsZero() {
		when = xclone.TimeAgo(t)
	}
	line := fmt.Sprintf("%s%s  %s (%s)  ♥%d 💬%d", prefix, post.PostId, name, when, len(post.PostLikes), post.CommentCount)
	Out.Println(line)
	if post.Body != "" {
		Out.Printf("    %s", post.Body)
	}
	if post.File != "" {
		Out.Printf("    [%s] %s", xclone.MediaKindForPath(post.File), post.File)
	}
}

func feed(opts docopt.Opts) {
	ctx := context.Background()
	api := newApi(opts)
	jwt, _ := opts.String("--jwt")
	realtime := xclone.NewRealtimeClientWithDefaults(ctx, realtimeUrl(opts), jwt)
	defer realtime.Close()

	feedView := xclone.NewFeedViewWithDefaults(ctx, api, realtime, newStorage(), sessionUserId(opts))
	defer feedView.Close()

	pages := 1
	if pagesStr, err := opts.String("--pages"); err == nil {
		if parsed, err := strconv.Atoi(pagesStr); err == nil {
			pages = parsed
		}
	}

	for i := 0; i < pages && feedView.HasMore(); i += 1 {
		if err := feedView.FetchNextPage(); err != nil {
			Err.Fatalf("Fetch failed: %s", err)
		}
	}
	for _, post := range feedView.Posts() {
		printPost(post, "")
	}

	if follow_, _ := opts.Bool("--follow"); follow_ {
		monitor := feedView.Store().UpdateMonitor()
		for {
			select {
			case <-ctx.Done():
				return
			case <-monitor.NotifyChannel():
				Out.Println(strings.Repeat("-", 40))
				for _, post := range feedView.Posts() {
					printPost(post, "")
				}
			}
		}
	}
}

func newPost(opts docopt.Opts) {
	ctx := context.Background()
	api := newApi(opts)
	jwt, _ := opts.String("--jwt")
	realtime := xclone.NewRealtimeClientWithDefaults(ctx, realtimeUrl(opts), jwt)
	defer realtime.Close()

	feedView := xclone.NewFeedViewWithDefaults(ctx, api, realtime, newStorage(), sessionUserId(opts))
	defer feedView.Close()

	body, _ := opts.String("<body>")

	var media *xclone.LocalMedia
	if file, err := opts.String("--file"); err == nil && file != "" {
		kind := xclone.MediaKindVideo
		switch strings.ToLower(filepath.Ext(file)) {
		case ".png", ".jpg", ".jpeg", ".gif", ".webp":
			kind = xclone.MediaKindImage
		}
		media = &xclone.LocalMedia{
			Path: file,
			Kind: kind,
		}
	}

	post, err := feedView.SubmitPost(body, media)
	if err != nil {
		Err.Fatalf("Post failed: %s", err)
	}
	Out.Printf("%s", post.PostId)
}

func like(opts docopt.Opts) {
	ctx := context.Background()
	api := newApi(opts)
	jwt, _ := opts.String("--jwt")
	realtime := xclone.NewRealtimeClientWithDefaults(ctx, realtimeUrl(opts), jwt)
	defer realtime.Close()

	postIdStr, _ := opts.String("<post_id>")
	postId, err := xclone.ParseId(postIdStr)
	if err != nil {
		Err.Fatalf("Bad post id: %s", err)
	}

	detailView := xclone.NewPostDetailView(ctx, api, realtime, sessionUserId(opts), postId)
	defer detailView.Close()

	if err := detailView.Load(); err != nil {
		Err.Fatalf("Load failed: %s", err)
	}
	if detailView.NotFound() {
		Err.Fatalf("Post not found")
	}
	if err := detailView.ToggleLike(); err != nil {
		Err.Fatalf("Like failed: %s", err)
	}
	if detailView.Liked() {
		Out.Printf("liked (%d)", detailView.LikeCount())
	} else {
		Out.Printf("unliked (%d)", detailView.LikeCount())
	}
}

func comment(opts docopt.Opts) {
	ctx := context.Background()
	api := newApi(opts)
	jwt, _ := opts.String("--jwt")
	realtime := xclone.NewRealtimeClientWithDefaults(ctx, realtimeUrl(opts), jwt)
	defer realtime.Close()

	postIdStr, _ := opts.String("<post_id>")
	postId, err := xclone.ParseId(postIdStr)
	if err != nil {
		Err.Fatalf("Bad post id: %s", err)
	}
	text, _ := opts.String("<comment>")

	detailView := xclone.NewPostDetailView(ctx, api, realtime, sessionUserId(opts), postId)
	defer detailView.Close()

	if err := detailView.Load(); err != nil {
		Err.Fatalf("Load failed: %s", err)
	}
	if detailView.NotFound() {
		Err.Fatalf("Post not found")
	}
	if err := detailView.SubmitComment(text); err != nil {
		Err.Fatalf("Comment failed: %s", err)
	}
	Out.Printf("sent")
}

func profile(opts docopt.Opts) {
	api := newApi(opts)
	auth := xclone.NewAuthClient(context.Background(), api)
	jwt, _ := opts.String("--jwt")
	session, err := auth.Resume(jwt)
	if err != nil {
		Err.Fatalf("Session failed: %s", err)
	}
	user := session.User
	Out.Printf("%s", user.UserId)
	Out.Printf("name:    %s", user.Name)
	Out.Printf("email:   %s", user.Email)
	Out.Printf("bio:     %s", user.Bio)
	Out.Printf("phone:   %s", user.PhoneNumber)
	Out.Printf("address: %s", user.Address)
	Out.Printf("image:   %s", user.Image)
}
