package mcp

import "github.com/mark3labs/mcp-go/mcp"

var stringItems = mcp.Items(map[string]any{"type": "string"})

// conversionOptions are shared by preset_convert and preset_convert_folder.
var conversionOptions = []mcp.ToolOption{
	mcp.WithString("out_dir",
		mcp.Description("Output directory for preset files. Defaults to <output_base>_<timestamp>."),
	),
	mcp.WithString("index_path",
		mcp.Description("Index file path. Defaults to <index_base>_<timestamp>.txt."),
	),
	mcp.WithBoolean("all",
		mcp.Description("Keep every preset even when the log contains a bank list."),
	),
	mcp.WithBoolean("keep_spark_fields",
		mcp.Description("Write presets as received instead of converting them to the pedal schema."),
	),
	mcp.WithBoolean("round_numbers",
		mcp.Description("Turn integral floats into integers and round other numbers to 4 decimals."),
	),
	mcp.WithArray("filter",
		mcp.Description("Explicit list of preset filenames to keep. Overrides any bank list in the log."),
		stringItems,
	),
}

var convertToolDef = mcp.NewTool("preset_convert",
	append([]mcp.ToolOption{
		mcp.WithDescription("Extract presets from a saved pedal log or dump file and write one normalized JSON file per preset plus an index."),
		mcp.WithString("path",
			mcp.Required(),
			mcp.Description("Path of the log or dump file."),
		),
	}, conversionOptions...)...,
)

var convertFolderToolDef = mcp.NewTool("preset_convert_folder",
	append([]mcp.ToolOption{
		mcp.WithDescription("Extract presets from every .txt and .log file in a folder into a single run."),
		mcp.WithString("dir",
			mcp.Required(),
			mcp.Description("Folder containing the log files."),
		),
	}, conversionOptions...)...,
)

var bankListExtractToolDef = mcp.NewTool("banklist_extract",
	mcp.WithDescription("Read the active preset list (LISTBANKS section) from a saved log. Optionally export it as a padded bank list file."),
	mcp.WithString("path",
		mcp.Required(),
		mcp.Description("Path of the log file."),
	),
	mcp.WithBoolean("export",
		mcp.Description("Write the list to <dist_dir>/PresetList_<timestamp>.txt."),
	),
	mcp.WithString("output",
		mcp.Description("Explicit .txt output path, directly inside dist_dir or an allowed_paths entry."),
	),
)

var bankListExportToolDef = mcp.NewTool("banklist_export",
	mcp.WithDescription("Write a bank list file from preset filenames. Names are grouped into banks of 4 and short banks are padded with their last entry."),
	mcp.WithArray("names",
		mcp.Description("Preset filenames in bank order."),
		stringItems,
	),
	mcp.WithString("source",
		mcp.Description("Path of an existing bank list file to pad and re-export instead of names."),
	),
	mcp.WithString("output",
		mcp.Description("Output .txt path, directly inside dist_dir or an allowed_paths entry. Defaults to <dist_dir>/PresetList_<timestamp>.txt."),
	),
)

var sessionListToolDef = mcp.NewTool("session_list",
	mcp.WithDescription("List recorded runs, most recent first."),
	mcp.WithString("kind",
		mcp.Description("Only runs of this kind."),
		mcp.Enum("convert", "convert_folder", "capture", "listen"),
	),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of runs (default 20, max 100)."),
	),
	mcp.WithNumber("offset",
		mcp.Description("Number of runs to skip."),
	),
)

var sessionFindToolDef = mcp.NewTool("session_find",
	mcp.WithDescription("Find which runs saved a preset, by filename or UUID."),
	mcp.WithString("query",
		mcp.Required(),
		mcp.Description("Preset filename (extension optional, case-insensitive) or UUID."),
	),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of matches (default 20, max 100)."),
	),
)
