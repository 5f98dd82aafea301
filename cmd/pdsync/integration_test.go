//go:build integration

package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ORCID/public-data-sync/internal/state"
	"github.com/ORCID/public-data-sync/internal/testutils"
)

const (
	idA = "0000-0001-5109-3700"
	idC = "0000-0003-1415-926X"
)

func TestCLIIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	t.Log("Starting Minio container...")
	minio := testutils.StartMinioContainer(t, ctx,
		"v3.0-summaries", "v3.0-activities-a", "v3.0-activities-b", "v3.0-activities-c", "orcid-lambda-file")
	defer func() {
		if err := minio.Close(ctx); err != nil {
			t.Logf("failed to terminate minio container: %v", err)
		}
	}()

	work := testutils.GenerateTestData(t, 256*1024)
	minio.Put(t, ctx, "v3.0-summaries", "700/"+idA+".xml", []byte("<summary a/>"))
	minio.Put(t, ctx, "v3.0-summaries", "26X/"+idC+".xml", []byte("<summary c/>"))
	minio.Put(t, ctx, "v3.0-activities-a", "700/"+idA+"/works/"+idA+"_works_1.xml", work)
	minio.Put(t, ctx, "v3.0-activities-c", "26X/"+idC+"/employments/"+idC+"_employments_3.xml", []byte("<employment/>"))

	out := t.TempDir()
	common := []string{
		"--path", out,
		"--workers", "4",
		"--page-size", "1",
		"--bucket-query", minio.Query,
		"--log-file", filepath.Join(out, "pdsync.log"),
	}

	t.Run("full", func(t *testing.T) {
		exitCode := run(append([]string{"-s", "-a"}, common...))
		if exitCode != ExitSuccess {
			t.Fatalf("full sync failed with exit code %d", exitCode)
		}

		f, err := os.Open(filepath.Join(out, "activities", "700", idA, "works", idA+"_works_1.xml"))
		if err != nil {
			t.Fatalf("open downloaded work: %v", err)
		}
		defer f.Close()
		testutils.CompareReaderToData(t, f, work)

		if _, err := os.Stat(filepath.Join(out, "summaries", "26X", idC+".xml")); err != nil {
			t.Fatalf("summary not downloaded: %v", err)
		}
	})

	t.Run("recovery", func(t *testing.T) {
		// The finished checkpoint leaves nothing to list.
		exitCode := run(append([]string{"-a", "--recovery"}, common...))
		if exitCode != ExitSuccess {
			t.Fatalf("recovery sync failed with exit code %d", exitCode)
		}
	})

	t.Run("incremental", func(t *testing.T) {
		csv := "orcid,created,status,last_modified\n" +
			idC + ",2016-03-01 00:00:00,active," + time.Now().UTC().Format("2006-01-02 15:04:05") + "\n" +
			idA + ",2016-03-01 00:00:00,active,2019-01-01 00:00:00\n"
		minio.Put(t, ctx, "orcid-lambda-file", "last_modified.csv.tar", testutils.TarFile(t, "last_modified.csv", []byte(csv)))

		// An employment removed upstream and replaced by a new one.
		minio.Put(t, ctx, "v3.0-activities-c", "26X/"+idC+"/educations/"+idC+"_educations_4.xml", []byte("<education/>"))
		b, err := minio.OpenBucket(ctx, "v3.0-activities-c")
		if err != nil {
			t.Fatalf("open bucket: %v", err)
		}
		if err := b.Delete(ctx, "26X/"+idC+"/employments/"+idC+"_employments_3.xml"); err != nil {
			t.Fatalf("delete object: %v", err)
		}
		b.Close()

		exitCode := run(append([]string{
			"-s", "-a",
			"--days", "2",
			"--manifest", minio.BucketURL("orcid-lambda-file") + "#last_modified.csv.tar",
		}, common...))
		if exitCode != ExitSuccess {
			t.Fatalf("incremental sync failed with exit code %d", exitCode)
		}

		entity := filepath.Join(out, "activities", "26X", idC)
		if _, err := os.Stat(filepath.Join(entity, "educations", idC+"_educations_4.xml")); err != nil {
			t.Fatalf("new education not downloaded: %v", err)
		}
		if _, err := os.Stat(filepath.Join(entity, "employments")); !os.IsNotExist(err) {
			t.Fatalf("expected stale employments directory to be pruned, got %v", err)
		}

		if _, err := os.Stat(filepath.Join(out, ".pdsync", state.MarkerFile)); err != nil {
			t.Fatalf("last-run marker missing: %v", err)
		}
	})
}
