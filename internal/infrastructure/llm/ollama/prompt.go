package ollama

const transcriptionPrompt = `Transcribe this receipt exactly as printed.
Keep the original line order and line breaks, including the shop name, address, dates, item lines and totals.
Do not translate, summarize or add commentary. Output plain text only.`
